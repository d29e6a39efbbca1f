// Package domain provides core domain models and types.
package domain

import "math"

// Epsilon is the tolerance used for float comparisons on prices and quantities.
const Epsilon = 1e-6

// Side represents the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType represents how an order is priced and executed
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStopLoss  OrderType = "stop_loss"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypeIOC       OrderType = "ioc"
	OrderTypeFOK       OrderType = "fok"
	OrderTypeIPO       OrderType = "ipo"
)

// Priority returns the book-ordering weight of an order type.
// Market orders sit ahead of everything else; all other types tie and
// fall back to price-time ordering.
func (t OrderType) Priority() int {
	if t == OrderTypeMarket {
		return 1
	}
	return 0
}

// IsStop reports whether the order waits for a trigger price
func (t OrderType) IsStop() bool {
	return t == OrderTypeStopLoss || t == OrderTypeStopLimit
}

// IsImmediate reports whether the order must execute in the cycle that
// first sees it (IOC/FOK semantics)
func (t OrderType) IsImmediate() bool {
	return t == OrderTypeIOC || t == OrderTypeFOK
}

// RequiresLimitPrice reports whether the order carries a user-supplied limit price
func (t OrderType) RequiresLimitPrice() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLimit, OrderTypeIOC, OrderTypeFOK:
		return true
	}
	return false
}

// TimeInForce represents how long an order stays eligible
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus represents the order state machine states
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// SecurityStatus represents the lifecycle state of a security
type SecurityStatus string

const (
	SecurityStatusIPO    SecurityStatus = "ipo"
	SecurityStatusPO     SecurityStatus = "po"
	SecurityStatusTrade  SecurityStatus = "trade"
	SecurityStatusHidden SecurityStatus = "hidden"
)

// IsOffering reports whether the security is in a primary issuance round
func (s SecurityStatus) IsOffering() bool {
	return s == SecurityStatusIPO || s == SecurityStatusPO
}

// SessionState represents the trading session lifecycle
type SessionState string

const (
	SessionStateDraft   SessionState = "draft"
	SessionStateOpen    SessionState = "open"
	SessionStateClosed  SessionState = "closed"
	SessionStateSettled SessionState = "settled"
)

// TradeType distinguishes secondary-market trades from primary issuance
type TradeType string

const (
	TradeTypeExchange TradeType = "exchange"
	TradeTypeIPO      TradeType = "ipo"
)

// AccountRole represents the kind of exchange participant
type AccountRole string

const (
	RoleInvestor AccountRole = "investor"
	RoleBroker   AccountRole = "broker"
	RoleBanker   AccountRole = "banker"
)

// IsMultipleOf reports whether value is a non-negative multiple of step
// within floating tolerance.
func IsMultipleOf(value, step float64) bool {
	if step <= 0 {
		return false
	}
	if value < -Epsilon {
		return false
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) < Epsilon
}

// PriceEqual reports whether two prices are equal within tolerance
func PriceEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}
