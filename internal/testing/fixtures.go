package testing

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/domain"
)

// AccountFixture describes a test account
type AccountFixture struct {
	Name string
	Role domain.AccountRole
	Team string
	Cash float64
}

// CreateAccount inserts a test account and returns its id
func CreateAccount(t *testing.T, db *database.DB, f AccountFixture) int64 {
	t.Helper()

	if f.Name == "" {
		f.Name = "Test Account"
	}
	if f.Role == "" {
		f.Role = domain.RoleInvestor
	}

	now := time.Now().Unix()
	return MustInsert(t, db, `
		INSERT INTO accounts (name, role, team, cash_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.Name, string(f.Role), f.Team, f.Cash, now, now)
}

// SecurityFixture describes a test security
type SecurityFixture struct {
	Symbol            string
	Status            domain.SecurityStatus
	CurrentPrice      float64
	SessionStartPrice float64
	TickSize          float64
	LotSize           float64
	TotalShares       float64
	OfferingQuantity  float64
}

// CreateSecurity inserts a test security and returns its id
func CreateSecurity(t *testing.T, db *database.DB, f SecurityFixture) int64 {
	t.Helper()

	if f.Symbol == "" {
		f.Symbol = "TEST"
	}
	if f.Status == "" {
		f.Status = domain.SecurityStatusTrade
	}
	if f.TickSize == 0 {
		f.TickSize = 0.01
	}
	if f.LotSize == 0 {
		f.LotSize = 1
	}
	if f.SessionStartPrice == 0 {
		f.SessionStartPrice = f.CurrentPrice
	}

	now := time.Now().Unix()
	return MustInsert(t, db, `
		INSERT INTO securities
		(symbol, name, status, current_price, session_start_price, tick_size, lot_size,
		 max_order_size, total_shares, offering_quantity, offering_round, created_at, updated_at)
		VALUES (?, '', ?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?)`,
		f.Symbol, string(f.Status), f.CurrentPrice, f.SessionStartPrice,
		f.TickSize, f.LotSize, f.TotalShares, f.OfferingQuantity, now, now)
}

// SessionFixture describes a test session
type SessionFixture struct {
	Number               int64
	State                domain.SessionState
	CommissionRate       float64
	CircuitBreakerUpper  float64
	CircuitBreakerLower  float64
	PriceChangeThreshold float64
}

// CreateSession inserts a test session and returns its id
func CreateSession(t *testing.T, db *database.DB, f SessionFixture) int64 {
	t.Helper()

	if f.Number == 0 {
		f.Number = 1
	}
	if f.State == "" {
		f.State = domain.SessionStateOpen
	}
	if f.CircuitBreakerUpper == 0 {
		f.CircuitBreakerUpper = 10
	}
	if f.CircuitBreakerLower == 0 {
		f.CircuitBreakerLower = 10
	}
	if f.PriceChangeThreshold == 0 {
		f.PriceChangeThreshold = 1
	}

	now := time.Now().Unix()
	return MustInsert(t, db, `
		INSERT INTO sessions
		(number, state, commission_rate, circuit_breaker_upper, circuit_breaker_lower,
		 price_change_threshold, opened_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Number, string(f.State), f.CommissionRate, f.CircuitBreakerUpper,
		f.CircuitBreakerLower, f.PriceChangeThreshold, now, now)
}

// OrderFixture describes a test order
type OrderFixture struct {
	AccountID  int64
	SecurityID int64
	SessionID  int64
	Side       domain.Side
	Type       domain.OrderType
	TIF        domain.TimeInForce
	Price      float64
	StopPrice  float64
	Quantity   float64
	Filled     float64
	Status     domain.OrderStatus
	CreatedAt  time.Time
}

// CreateOrder inserts a test order and returns its id
func CreateOrder(t *testing.T, db *database.DB, f OrderFixture) int64 {
	t.Helper()

	if f.Type == "" {
		f.Type = domain.OrderTypeLimit
	}
	if f.TIF == "" {
		f.TIF = domain.TIFDay
	}
	if f.Status == "" {
		f.Status = domain.OrderStatusOpen
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	return MustInsert(t, db, `
		INSERT INTO orders
		(reference, account_id, security_id, session_id, side, order_type, time_in_force,
		 price, stop_price, quantity, filled_quantity, average_fill_price, status,
		 reject_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?)`,
		uuid.New().String(), f.AccountID, f.SecurityID, f.SessionID,
		string(f.Side), string(f.Type), string(f.TIF),
		f.Price, f.StopPrice, f.Quantity, f.Filled, string(f.Status),
		f.CreatedAt.Unix(), f.CreatedAt.Unix())
}

// CreatePosition inserts a test position and returns its id
func CreatePosition(t *testing.T, db *database.DB, accountID, securityID int64, quantity, averageCost float64) int64 {
	t.Helper()

	return MustInsert(t, db, `
		INSERT INTO positions (account_id, security_id, quantity, average_cost, blocked_quantity, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		accountID, securityID, quantity, averageCost, time.Now().Unix())
}
