package domain

import "time"

// Security represents a tradeable instrument on the exchange.
// current_price is mutated only through the securities service price-update
// path, which re-validates tick size and circuit-breaker bounds.
type Security struct {
	ID                int64          `json:"id"`
	Symbol            string         `json:"symbol"`
	Name              string         `json:"name"`
	Status            SecurityStatus `json:"status"`
	CurrentPrice      float64        `json:"current_price"`
	SessionStartPrice float64        `json:"session_start_price"`
	TickSize          float64        `json:"tick_size"`
	LotSize           float64        `json:"lot_size"`
	MaxOrderSize      float64        `json:"max_order_size"` // 0 disables the cap
	TotalShares       float64        `json:"total_shares"`
	OfferingQuantity  float64        `json:"offering_quantity"`
	OfferingRound     int            `json:"offering_round"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Tradeable reports whether secondary-market orders may reference the security
func (s *Security) Tradeable() bool {
	return s.Status == SecurityStatusTrade
}

// Account represents an exchange participant holding cash and positions.
// Team is the anti-collusion attribute: two accounts with equal non-empty
// teams never trade with each other.
type Account struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Role        AccountRole `json:"role"`
	Team        string      `json:"team"`
	CashBalance float64     `json:"cash_balance"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SameTeam reports whether two accounts share a non-empty team attribute
func (a *Account) SameTeam(b *Account) bool {
	return a.Team != "" && a.Team == b.Team
}

// Position represents holdings of one security by one account.
// Quantity may reach zero; the record is retained, never deleted.
type Position struct {
	ID              int64     `json:"id"`
	AccountID       int64     `json:"account_id"`
	SecurityID      int64     `json:"security_id"`
	Quantity        float64   `json:"quantity"`
	AverageCost     float64   `json:"average_cost"`
	BlockedQuantity float64   `json:"blocked_quantity"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Available returns the quantity not blocked as collateral
func (p *Position) Available() float64 {
	return p.Quantity - p.BlockedQuantity
}

// Session represents a discrete trading session. Sessions are never deleted.
type Session struct {
	ID                   int64        `json:"id"`
	Number               int64        `json:"number"`
	State                SessionState `json:"state"`
	CommissionRate       float64      `json:"commission_rate"`
	CircuitBreakerUpper  float64      `json:"circuit_breaker_upper"`
	CircuitBreakerLower  float64      `json:"circuit_breaker_lower"`
	PriceChangeThreshold float64      `json:"price_change_threshold"`
	OpenedAt             *time.Time   `json:"opened_at,omitempty"`
	ClosedAt             *time.Time   `json:"closed_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
}

// IsOpen reports whether the session accepts orders and matching
func (s *Session) IsOpen() bool {
	return s.State == SessionStateOpen
}

// Trade is the immutable record of a match. SellOrderID is nil for primary
// issuance, where shares are newly created rather than sold by a holder.
type Trade struct {
	ID               int64     `json:"id"`
	SecurityID       int64     `json:"security_id"`
	SessionID        int64     `json:"session_id"`
	BuyOrderID       int64     `json:"buy_order_id"`
	SellOrderID      *int64    `json:"sell_order_id,omitempty"`
	Type             TradeType `json:"trade_type"`
	Quantity         float64   `json:"quantity"`
	Price            float64   `json:"price"`
	Value            float64   `json:"value"`
	BuyerCommission  float64   `json:"buyer_commission"`
	SellerCommission float64   `json:"seller_commission"`
	ExecutedAt       time.Time `json:"executed_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks the trade invariants before persistence
func (t *Trade) Validate() error {
	if t.Quantity <= 0 {
		return &InvariantViolation{Detail: "trade quantity must be positive"}
	}
	if t.Price <= 0 {
		return &InvariantViolation{Detail: "trade price must be positive"}
	}
	if t.BuyOrderID == 0 {
		return &InvariantViolation{Detail: "trade must reference a buy order"}
	}
	return nil
}

// PriceRecord is one entry of a security's price history
type PriceRecord struct {
	ID         int64     `json:"id"`
	SecurityID int64     `json:"security_id"`
	SessionID  *int64    `json:"session_id,omitempty"`
	OldPrice   float64   `json:"old_price"`
	NewPrice   float64   `json:"new_price"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
