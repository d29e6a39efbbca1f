package domain

import (
	"fmt"
	"time"
)

// Order represents a single order moving through the state machine
//
//	draft -> submitted -> open -> partial <-> filled
//	                   \-> (stop orders wait in submitted for their trigger)
//	open/partial/submitted -> cancelled | rejected | expired
//
// Once past draft an order is immutable except for status, filled quantity
// and average fill price.
type Order struct {
	ID               int64       `json:"id"`
	Reference        string      `json:"reference"`
	AccountID        int64       `json:"account_id"`
	SecurityID       int64       `json:"security_id"`
	SessionID        int64       `json:"session_id"`
	Side             Side        `json:"side"`
	Type             OrderType   `json:"order_type"`
	TimeInForce      TimeInForce `json:"time_in_force"`
	Price            float64     `json:"price"`
	StopPrice        float64     `json:"stop_price"`
	Quantity         float64     `json:"quantity"`
	FilledQuantity   float64     `json:"filled_quantity"`
	AverageFillPrice float64     `json:"average_fill_price"`
	Status           OrderStatus `json:"status"`
	RejectReason     string      `json:"reject_reason,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// RemainingQuantity returns the unfilled portion of the order
func (o *Order) RemainingQuantity() float64 {
	rem := o.Quantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}

// MarkSubmitted transitions the order out of draft. Stop and IPO orders wait
// in submitted for their trigger; everything else goes straight to open.
func (o *Order) MarkSubmitted() error {
	if o.Status != OrderStatusDraft {
		return fmt.Errorf("cannot submit order in status %s", o.Status)
	}
	if o.Type.IsStop() || o.Type == OrderTypeIPO {
		o.Status = OrderStatusSubmitted
	} else {
		o.Status = OrderStatusOpen
	}
	return nil
}

// Trigger converts a waiting stop order into its executable form:
// stop_loss becomes market (price cleared), stop_limit becomes limit
// (price kept). The order moves to open.
func (o *Order) Trigger() error {
	if o.Status != OrderStatusSubmitted {
		return fmt.Errorf("cannot trigger order in status %s", o.Status)
	}
	switch o.Type {
	case OrderTypeStopLoss:
		o.Type = OrderTypeMarket
		o.Price = 0
	case OrderTypeStopLimit:
		o.Type = OrderTypeLimit
	default:
		return fmt.Errorf("cannot trigger order of type %s", o.Type)
	}
	o.Status = OrderStatusOpen
	return nil
}

// ShouldTrigger reports whether the stop condition is met at the given price.
// Sell stops trigger when the price falls to or below the stop price; buy
// stops trigger when it rises to or above it.
func (o *Order) ShouldTrigger(currentPrice float64) bool {
	if !o.Type.IsStop() {
		return false
	}
	if o.Side == SideSell {
		return currentPrice <= o.StopPrice+Epsilon
	}
	return currentPrice >= o.StopPrice-Epsilon
}

// ApplyFill records a fill of qty at tradePrice, recomputing the
// volume-weighted average fill price and advancing the status to partial
// or filled.
func (o *Order) ApplyFill(qty, tradePrice float64) error {
	if qty <= 0 {
		return &InvariantViolation{Detail: "fill quantity must be positive"}
	}
	if qty > o.RemainingQuantity()+Epsilon {
		return &InvariantViolation{Detail: fmt.Sprintf(
			"fill quantity %f exceeds remaining %f on order %d", qty, o.RemainingQuantity(), o.ID)}
	}

	filledBefore := o.FilledQuantity
	o.AverageFillPrice = (o.AverageFillPrice*filledBefore + tradePrice*qty) / (filledBefore + qty)
	o.FilledQuantity = filledBefore + qty

	if o.FilledQuantity >= o.Quantity-Epsilon {
		o.FilledQuantity = o.Quantity
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartial
	}
	return nil
}

// CanCancel reports whether a user-initiated cancel is allowed
func (o *Order) CanCancel() bool {
	switch o.Status {
	case OrderStatusOpen, OrderStatusPartial, OrderStatusSubmitted:
		return true
	}
	return false
}

// MarkCancelled transitions the order to cancelled. Only open, partial and
// submitted orders may be cancelled; a cancel racing a fill resolves to a
// status-precondition failure here.
func (o *Order) MarkCancelled() error {
	if !o.CanCancel() {
		return fmt.Errorf("cannot cancel order in status %s", o.Status)
	}
	o.Status = OrderStatusCancelled
	return nil
}

// MarkRejected transitions the order to rejected with a stated reason
func (o *Order) MarkRejected(reason string) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
}

// MarkExpired transitions a non-terminal order to expired (session close of
// a day order)
func (o *Order) MarkExpired() error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("cannot expire order in status %s", o.Status)
	}
	o.Status = OrderStatusExpired
	return nil
}

// SyntheticMarketPrice returns the synthetic crossing price assigned to a
// market order at creation: 110% of the current price for buys, 90% for
// sells. It exists purely to guarantee crossing in the matcher and is never
// presented as a real limit.
func SyntheticMarketPrice(side Side, currentPrice float64) float64 {
	if side == SideBuy {
		return currentPrice * 1.1
	}
	return currentPrice * 0.9
}
