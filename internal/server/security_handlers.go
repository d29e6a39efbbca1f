package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/bourse/internal/domain"
)

// handleCreateSecurity lists a new security on the exchange
// POST /api/securities
func (s *Server) handleCreateSecurity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol           string  `json:"symbol"`
		Name             string  `json:"name"`
		Status           string  `json:"status"`
		CurrentPrice     float64 `json:"current_price"`
		TickSize         float64 `json:"tick_size"`
		LotSize          float64 `json:"lot_size"`
		MaxOrderSize     float64 `json:"max_order_size"`
		TotalShares      float64 `json:"total_shares"`
		OfferingQuantity float64 `json:"offering_quantity"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	security, err := s.container.SecurityRepo.Create(domain.Security{
		Symbol:           req.Symbol,
		Name:             req.Name,
		Status:           domain.SecurityStatus(req.Status),
		CurrentPrice:     req.CurrentPrice,
		TickSize:         req.TickSize,
		LotSize:          req.LotSize,
		MaxOrderSize:     req.MaxOrderSize,
		TotalShares:      req.TotalShares,
		OfferingQuantity: req.OfferingQuantity,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, security)
}

// handleListSecurities returns all active securities
// GET /api/securities
func (s *Server) handleListSecurities(w http.ResponseWriter, r *http.Request) {
	securities, err := s.container.SecurityRepo.ListActive()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"securities": securities})
}

// handleGetSecurity returns one security by symbol
// GET /api/securities/{symbol}
func (s *Server) handleGetSecurity(w http.ResponseWriter, r *http.Request) {
	security, ok := s.securityBySymbol(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, security)
}

// handlePriceHistory returns recent price records for a security
// GET /api/securities/{symbol}/prices
func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	security, ok := s.securityBySymbol(w, r)
	if !ok {
		return
	}

	history, err := s.container.SecurityRepo.PriceHistory(security.ID, s.queryLimit(r, 100))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"prices": history})
}

// handleSecurityTrades returns recent trades for a security, newest first
// GET /api/securities/{symbol}/trades
func (s *Server) handleSecurityTrades(w http.ResponseWriter, r *http.Request) {
	security, ok := s.securityBySymbol(w, r)
	if !ok {
		return
	}

	trades, err := s.container.TradeRepo.ListBySecurity(security.ID, s.queryLimit(r, 100))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (s *Server) securityBySymbol(w http.ResponseWriter, r *http.Request) (*domain.Security, bool) {
	security, err := s.container.SecurityRepo.GetBySymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if security == nil {
		s.writeNotFound(w, "security")
		return nil, false
	}
	return security, true
}

func (s *Server) queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
