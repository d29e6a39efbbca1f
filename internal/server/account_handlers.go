package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/bourse/internal/domain"
)

func (s *Server) urlID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid " + param})
		return 0, false
	}
	return id, true
}

// handleCreateAccount creates a participant account
// POST /api/accounts
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string  `json:"name"`
		Role        string  `json:"role"`
		Team        string  `json:"team"`
		CashBalance float64 `json:"cash_balance"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	account, err := s.container.AccountRepo.Create(domain.Account{
		Name:        req.Name,
		Role:        domain.AccountRole(req.Role),
		Team:        req.Team,
		CashBalance: req.CashBalance,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, account)
}

// handleGetAccount returns an account with its current cash balance
// GET /api/accounts/{id}
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r, "id")
	if !ok {
		return
	}

	account, err := s.container.AccountRepo.GetByID(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if account == nil {
		s.writeNotFound(w, "account")
		return
	}

	s.writeJSON(w, http.StatusOK, account)
}

// handleListPositions returns the account's holdings
// GET /api/accounts/{id}/positions
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r, "id")
	if !ok {
		return
	}

	positions, err := s.container.PositionRepo.ListByAccount(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

// handleListAccountOrders returns the account's recent orders
// GET /api/accounts/{id}/orders
func (s *Server) handleListAccountOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.urlID(w, r, "id")
	if !ok {
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	orders, err := s.container.OrderService.ListByAccount(id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// handleDeposit credits cash to an account
// POST /api/accounts/{id}/deposit
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.adjustCash(w, r, 1)
}

// handleWithdraw debits cash from an account. Withdrawals that would
// overdraw the account are refused.
// POST /api/accounts/{id}/withdraw
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.adjustCash(w, r, -1)
}

func (s *Server) adjustCash(w http.ResponseWriter, r *http.Request, sign float64) {
	id, ok := s.urlID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "amount must be positive"})
		return
	}

	if err := s.container.AccountRepo.AdjustCash(id, sign*req.Amount); err != nil {
		var eerr *domain.ExecutionError
		if errors.As(err, &eerr) {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": "insufficient funds"})
			return
		}
		s.writeError(w, err)
		return
	}

	balance, err := s.container.AccountRepo.GetCashBalance(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cash_balance": balance})
}
