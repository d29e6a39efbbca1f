// Package ipo settles primary offerings: proportional share allocation
// against pending ipo orders at a stated settlement price.
package ipo

import (
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/modules/ledger"
	"github.com/aristath/bourse/internal/modules/orders"
	"github.com/aristath/bourse/internal/modules/securities"
	"github.com/aristath/bourse/internal/modules/trading"
)

// Allocator settles an offering round. It is invoked explicitly by an
// operator with a stated price, never by the matching tick.
type Allocator struct {
	db         *database.DB
	securities *securities.Repository
	orders     *orders.Repository
	trades     *trading.Repository
	accounts   *ledger.AccountRepository
	positions  *ledger.PositionRepository
	events     *events.Manager
	notify     events.NotificationPolicy
	log        zerolog.Logger
}

// NewAllocator creates a new offering allocator
func NewAllocator(
	db *database.DB,
	securityRepo *securities.Repository,
	orderRepo *orders.Repository,
	tradeRepo *trading.Repository,
	accountRepo *ledger.AccountRepository,
	positionRepo *ledger.PositionRepository,
	eventMgr *events.Manager,
	notify events.NotificationPolicy,
	log zerolog.Logger,
) *Allocator {
	if notify == nil {
		notify = events.SilentPolicy{}
	}
	return &Allocator{
		db:         db,
		securities: securityRepo,
		orders:     orderRepo,
		trades:     tradeRepo,
		accounts:   accountRepo,
		positions:  positionRepo,
		events:     eventMgr,
		notify:     notify,
		log:        log.With().Str("service", "ipo").Logger(),
	}
}

// Result summarizes a settled offering round
type Result struct {
	SecurityID     int64   `json:"security_id"`
	OfferingPrice  float64 `json:"offering_price"`
	Supply         float64 `json:"supply"`
	Demand         float64 `json:"demand"`
	AllocatedQty   float64 `json:"allocated_quantity"`
	FilledOrders   int     `json:"filled_orders"`
	RejectedOrders int     `json:"rejected_orders"`
	TradeIDs       []int64 `json:"trade_ids"`
}

type pendingAudit struct {
	eventType  events.EventType
	entityType string
	entityID   int64
	data       map[string]interface{}
}

// Allocate settles the offering of a security at offeringPrice.
//
// Demand within supply fills every pending ipo order completely. Excess
// demand is allocated proportionally, floor(quantity x supply/demand) per
// order in FIFO sequence, capped at the remaining supply so the round never
// over-allocates. Each allocation is a sell-less trade: the buyer pays value
// plus commission, shares are newly issued. Afterwards the security moves to
// trade status with current and session-start price set to the offering
// price.
func (a *Allocator) Allocate(securityID int64, offeringPrice float64, session *domain.Session) (*Result, error) {
	if session == nil || !session.IsOpen() {
		return nil, domain.NewValidationError("session", "an open session is required to settle an offering")
	}

	security, err := a.securities.GetByID(securityID)
	if err != nil {
		return nil, err
	}
	if security == nil {
		return nil, domain.NewValidationError("security", "security %d not found", securityID)
	}
	if !security.Status.IsOffering() {
		return nil, domain.NewValidationError("security", "security %s is not in an offering round", security.Symbol)
	}
	if security.OfferingQuantity <= 0 {
		return nil, domain.NewValidationError("security", "security %s has no offering quantity", security.Symbol)
	}
	if offeringPrice <= 0 {
		return nil, domain.NewValidationError("price", "offering price must be positive")
	}
	if !domain.IsMultipleOf(offeringPrice, security.TickSize) {
		return nil, domain.NewValidationError("price", "offering price must be a multiple of tick size %g", security.TickSize)
	}

	result := &Result{
		SecurityID:    securityID,
		OfferingPrice: offeringPrice,
		Supply:        security.OfferingQuantity,
	}
	var audits []pendingAudit

	err = database.WithTransaction(a.db.Conn(), func(tx *sql.Tx) error {
		orderRepo := a.orders.WithTx(tx)

		pending, err := orderRepo.PendingIPOOrders(securityID)
		if err != nil {
			return err
		}

		demand := 0.0
		for _, order := range pending {
			demand += order.RemainingQuantity()
		}
		result.Demand = demand

		supply := security.OfferingQuantity
		remaining := supply

		for i, order := range pending {
			alloc := order.RemainingQuantity()
			if demand > supply+domain.Epsilon {
				alloc = math.Floor(alloc * supply / demand)
			}
			if alloc > remaining {
				alloc = remaining
			}

			if alloc < domain.Epsilon {
				// Nothing left for this order; its demand lapses with the round.
				if err := order.MarkCancelled(); err != nil {
					return err
				}
				if err := orderRepo.Update(order); err != nil {
					return err
				}
				audits = append(audits, pendingAudit{events.OrderCancelled, "order", order.ID,
					map[string]interface{}{"reference": order.Reference, "reason": "offering exhausted"}})
				continue
			}

			savepoint := fmt.Sprintf("ipo_alloc_%d", i)
			execErr := database.WithSavepoint(tx, savepoint, func() error {
				return a.settleOrder(tx, order, security, session, alloc, offeringPrice, result)
			})
			if execErr != nil {
				var eerr *domain.ExecutionError
				if !errors.As(execErr, &eerr) {
					return execErr
				}
				// The savepoint rolled back this order's writes; reject it
				// and keep its would-be allocation for later orders.
				order.MarkRejected(eerr.Reason)
				if err := orderRepo.Update(order); err != nil {
					return err
				}
				result.RejectedOrders++
				audits = append(audits, pendingAudit{events.OrderRejected, "order", order.ID,
					map[string]interface{}{"reference": order.Reference, "reason": eerr.Reason}})
				continue
			}

			remaining -= alloc
			result.AllocatedQty += alloc
			result.FilledOrders++

			// The unallocated remainder of a pro-rated order lapses.
			if order.Status == domain.OrderStatusPartial {
				if err := order.MarkCancelled(); err != nil {
					return err
				}
				if err := orderRepo.Update(order); err != nil {
					return err
				}
			}
		}

		if err := a.securities.WithTx(tx).CompleteOffering(securityID, offeringPrice); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate offering for security %d: %w", securityID, err)
	}

	for _, audit := range audits {
		a.events.Audit(audit.eventType, audit.entityType, audit.entityID, audit.data)
	}
	a.events.Audit(events.IPOAllocated, "security", securityID, map[string]interface{}{
		"symbol":    security.Symbol,
		"price":     offeringPrice,
		"supply":    result.Supply,
		"demand":    result.Demand,
		"allocated": result.AllocatedQty,
	})

	a.log.Info().
		Str("symbol", security.Symbol).
		Float64("price", offeringPrice).
		Float64("supply", result.Supply).
		Float64("demand", result.Demand).
		Float64("allocated", result.AllocatedQty).
		Int("filled_orders", result.FilledOrders).
		Msg("Offering allocated")

	return result, nil
}

// settleOrder performs one allocation inside its savepoint: debit the buyer,
// issue the shares, record the fill and the sell-less trade.
func (a *Allocator) settleOrder(tx *sql.Tx, order *domain.Order, security *domain.Security, session *domain.Session, alloc, price float64, result *Result) error {
	value := alloc * price
	commission := value * session.CommissionRate / 100

	if err := a.accounts.WithTx(tx).AdjustCash(order.AccountID, -(value + commission)); err != nil {
		return err
	}
	if err := a.positions.WithTx(tx).Apply(order.AccountID, security.ID, alloc, price); err != nil {
		return err
	}

	if err := order.ApplyFill(alloc, price); err != nil {
		return err
	}
	if err := a.orders.WithTx(tx).Update(order); err != nil {
		return err
	}

	trade, err := a.trades.WithTx(tx).Create(domain.Trade{
		SecurityID:      security.ID,
		SessionID:       session.ID,
		BuyOrderID:      order.ID,
		Type:            domain.TradeTypeIPO,
		Quantity:        alloc,
		Price:           price,
		Value:           value,
		BuyerCommission: commission,
	})
	if err != nil {
		return err
	}

	result.TradeIDs = append(result.TradeIDs, trade.ID)
	return nil
}
