package server

import (
	"net/http"
)

// handleListSessions returns recent sessions, newest first
// GET /api/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.container.SessionService.List(s.queryLimit(r, 50))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// handleCurrentSession returns the open session, or the latest one when
// nothing is open
// GET /api/sessions/current
func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.container.SessionService.Current()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if session == nil {
		s.writeNotFound(w, "session")
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

// handleOpenSession opens the next trading session
// POST /api/sessions/open
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.container.SessionService.Open()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

// handleCloseSession closes the open session, expiring day orders and
// carrying offering orders over to the successor
// POST /api/sessions/close
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.container.SessionService.Close()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

// handleSettleSession marks a closed session as settled
// POST /api/sessions/{id}/settle
func (s *Server) handleSettleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r, "id")
	if !ok {
		return
	}

	session, err := s.container.SessionService.Settle(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

// handleAllocateIPO settles an offering round for one security at the
// given price
// POST /api/ipo/allocate
func (s *Server) handleAllocateIPO(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecurityID    int64   `json:"security_id"`
		OfferingPrice float64 `json:"offering_price"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	session, err := s.container.SessionRepo.GetOpen()
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.container.Allocator.Allocate(req.SecurityID, req.OfferingPrice, session)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleRunCycle runs one matching cycle immediately and returns its stats
// POST /api/engine/cycle
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	stats, err := s.container.Engine.RunMatchingCycle()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}
