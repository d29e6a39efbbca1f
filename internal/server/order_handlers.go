package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/modules/orders"
)

// handleSubmitOrder submits a new order. A rejected order is returned with
// 422 alongside the violated constraint; the rejection is also persisted.
// POST /api/orders
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   int64   `json:"account_id"`
		SecurityID  int64   `json:"security_id"`
		Symbol      string  `json:"symbol"`
		Side        string  `json:"side"`
		Type        string  `json:"order_type"`
		TimeInForce string  `json:"time_in_force"`
		Price       float64 `json:"price"`
		StopPrice   float64 `json:"stop_price"`
		Quantity    float64 `json:"quantity"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	order, err := s.container.OrderService.Submit(orders.CreateParams{
		AccountID:   req.AccountID,
		SecurityID:  req.SecurityID,
		Symbol:      req.Symbol,
		Side:        domain.Side(req.Side),
		Type:        domain.OrderType(req.Type),
		TimeInForce: domain.TimeInForce(req.TimeInForce),
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		Quantity:    req.Quantity,
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			body := map[string]interface{}{
				"error": verr.Error(),
				"field": verr.Field,
			}
			if order != nil {
				body["order"] = order
			}
			s.writeJSON(w, http.StatusUnprocessableEntity, body)
			return
		}
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, order)
}

// handleGetOrder returns an order by its reference
// GET /api/orders/{reference}
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.container.OrderService.GetByReference(chi.URLParam(r, "reference"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if order == nil {
		s.writeNotFound(w, "order")
		return
	}

	s.writeJSON(w, http.StatusOK, order)
}

// handleCancelOrder cancels a pending order
// DELETE /api/orders/{reference}
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.container.OrderService.Cancel(chi.URLParam(r, "reference"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, order)
}
