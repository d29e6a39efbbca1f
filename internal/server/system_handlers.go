package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/scheduler"
)

// SystemHandlers serves system monitoring endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	db          *database.DB
	matchingJob scheduler.Job
	startedAt   time.Time
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(log zerolog.Logger, db *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		db:        db,
		startedAt: time.Now(),
	}
}

// SetMatchingJob registers the matching job for manual triggering
func (h *SystemHandlers) SetMatchingJob(job scheduler.Job) {
	h.matchingJob = job
}

// HandleSystemStatus returns process and host health
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	dbHealthy := h.db.HealthCheck(r.Context()) == nil

	h.writeJSON(w, map[string]interface{}{
		"status":           "ok",
		"uptime_seconds":   int64(time.Since(h.startedAt).Seconds()),
		"cpu_percent":      cpuPercent,
		"ram_percent":      ramPercent,
		"goroutines":       runtime.NumGoroutine(),
		"database_healthy": dbHealthy,
	})
}

// HandleDatabaseStats returns SQLite file and page statistics
// GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get database stats")
		w.WriteHeader(http.StatusInternalServerError)
		h.writeJSON(w, map[string]string{"error": err.Error()})
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"name":  h.db.Name(),
		"stats": stats,
	})
}

// HandleTriggerMatchingCycle runs the matching job immediately
// POST /api/system/jobs/matching-cycle
func (h *SystemHandlers) HandleTriggerMatchingCycle(w http.ResponseWriter, r *http.Request) {
	if h.matchingJob == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		h.writeJSON(w, map[string]string{
			"status":  "error",
			"message": "Matching job not registered",
		})
		return
	}

	if err := h.matchingJob.Run(); err != nil {
		h.log.Error().Err(err).Msg("Manual matching cycle failed")
		w.WriteHeader(http.StatusInternalServerError)
		h.writeJSON(w, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	h.writeJSON(w, map[string]string{
		"status":  "ok",
		"message": "Matching cycle completed",
	})
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a 100ms sampling interval to keep the endpoint responsive.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
