package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/engine"
)

// MatchingJob drives the matching engine on the configured interval
type MatchingJob struct {
	engine *engine.Engine
	log    zerolog.Logger
}

// NewMatchingJob creates the periodic matching job
func NewMatchingJob(eng *engine.Engine, log zerolog.Logger) *MatchingJob {
	return &MatchingJob{
		engine: eng,
		log:    log.With().Str("job", "matching").Logger(),
	}
}

// Name returns the job name
func (j *MatchingJob) Name() string {
	return "matching_cycle"
}

// Run executes one matching cycle
func (j *MatchingJob) Run() error {
	stats, err := j.engine.RunMatchingCycle()
	if err != nil {
		return err
	}
	if stats.Trades > 0 {
		j.log.Info().
			Int("trades", stats.Trades).
			Int("securities", stats.SecuritiesMatched).
			Msg("Matching cycle produced trades")
	}
	return nil
}
