package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/bourse/internal/domain"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "bourse",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors to HTTP status codes and writes a JSON body
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": verr.Error(),
			"field": verr.Field,
		})
		return
	}

	var cerr *domain.ConcurrencyError
	if errors.As(err, &cerr) {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{"error": cerr.Error()})
		return
	}

	s.log.Error().Err(err).Msg("Request failed")
	s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
}

// writeNotFound writes a 404 response for a missing entity
func (s *Server) writeNotFound(w http.ResponseWriter, what string) {
	s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": what + " not found"})
}

// decodeJSON decodes a request body into dst, writing a 400 on failure
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return false
	}
	return true
}
