package orders

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/config"
	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/events"
)

// SecurityStore provides the security lookups the service needs
type SecurityStore interface {
	GetByID(id int64) (*domain.Security, error)
	GetBySymbol(symbol string) (*domain.Security, error)
}

// SessionStore provides the session lookup the service needs
type SessionStore interface {
	GetOpen() (*domain.Session, error)
}

// AccountStore provides the account lookups the service needs
type AccountStore interface {
	GetByID(id int64) (*domain.Account, error)
	GetCashBalance(id int64) (float64, error)
}

// PositionStore provides the position lookups and the collateral
// bookkeeping the service needs
type PositionStore interface {
	Get(accountID, securityID int64) (*domain.Position, error)
	Block(accountID, securityID int64, qty float64) error
	Unblock(accountID, securityID int64, qty float64) error
}

// Service handles order creation, submission validation and cancellation
type Service struct {
	repo       *Repository
	securities SecurityStore
	sessions   SessionStore
	accounts   AccountStore
	positions  PositionStore
	events     *events.Manager
	notify     events.NotificationPolicy
	limits     config.OrderLimits
	log        zerolog.Logger
}

// NewService creates a new orders service
func NewService(
	repo *Repository,
	securities SecurityStore,
	sessions SessionStore,
	accounts AccountStore,
	positions PositionStore,
	eventMgr *events.Manager,
	notify events.NotificationPolicy,
	limits config.OrderLimits,
	log zerolog.Logger,
) *Service {
	if notify == nil {
		notify = events.SilentPolicy{}
	}
	return &Service{
		repo:       repo,
		securities: securities,
		sessions:   sessions,
		accounts:   accounts,
		positions:  positions,
		events:     eventMgr,
		notify:     notify,
		limits:     limits,
		log:        log.With().Str("service", "orders").Logger(),
	}
}

// CreateParams carries the caller-supplied order fields
type CreateParams struct {
	AccountID   int64              `json:"account_id"`
	SecurityID  int64              `json:"security_id"`
	Symbol      string             `json:"symbol"`
	Side        domain.Side        `json:"side"`
	Type        domain.OrderType   `json:"order_type"`
	TimeInForce domain.TimeInForce `json:"time_in_force"`
	Price       float64            `json:"price"`
	StopPrice   float64            `json:"stop_price"`
	Quantity    float64            `json:"quantity"`
}

// Submit creates an order from params, validates it against the open session
// and either moves it to submitted/open or persists it as rejected with the
// violated constraint as reason. The returned error for a business-rule
// failure is a ValidationError.
func (s *Service) Submit(params CreateParams) (*domain.Order, error) {
	session, err := s.sessions.GetOpen()
	if err != nil {
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}
	if session == nil {
		return nil, domain.NewValidationError("session", "no open trading session")
	}

	security, err := s.resolveSecurity(params)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByID(params.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if account == nil {
		return nil, domain.NewValidationError("account_id", "account %d not found", params.AccountID)
	}

	order := s.buildOrder(params, security, session)

	created, err := s.repo.Create(*order)
	if err != nil {
		return nil, err
	}

	if err := s.validate(created, security, session, account); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return s.reject(created, verr)
		}
		return nil, err
	}

	// Sell orders reserve their shares as collateral until they fill,
	// cancel or expire. The guarded UPDATE closes the race between two
	// concurrent submissions that both passed validation.
	if created.Side == domain.SideSell {
		if err := s.positions.Block(created.AccountID, security.ID, created.Quantity); err != nil {
			var eerr *domain.ExecutionError
			if errors.As(err, &eerr) {
				return s.reject(created, domain.NewValidationError("shares",
					"insufficient shares: %g no longer available to reserve", created.Quantity))
			}
			return nil, err
		}
	}

	if err := created.MarkSubmitted(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(created); err != nil {
		return nil, err
	}

	s.events.Audit(events.OrderSubmitted, "order", created.ID, map[string]interface{}{
		"reference": created.Reference,
		"side":      string(created.Side),
		"type":      string(created.Type),
		"quantity":  created.Quantity,
	})
	s.notify.NotifyOrderStatus(created.ID, created.AccountID, string(created.Status), "")

	s.log.Info().
		Str("reference", created.Reference).
		Str("side", string(created.Side)).
		Str("type", string(created.Type)).
		Float64("quantity", created.Quantity).
		Msg("Order submitted")

	return created, nil
}

// reject persists a validation failure on the order and surfaces it
func (s *Service) reject(order *domain.Order, verr *domain.ValidationError) (*domain.Order, error) {
	order.MarkRejected(verr.Error())
	if uerr := s.repo.Update(order); uerr != nil {
		return nil, uerr
	}
	s.events.Audit(events.OrderRejected, "order", order.ID, map[string]interface{}{
		"reference": order.Reference,
		"reason":    verr.Error(),
	})
	s.notify.NotifyOrderStatus(order.ID, order.AccountID, string(order.Status), verr.Error())
	return order, verr
}

// Cancel performs a user-initiated cancellation, guarded by the status
// precondition. A cancel losing the race against a fill surfaces as a
// ValidationError here.
func (s *Service) Cancel(reference string) (*domain.Order, error) {
	order, err := s.repo.GetByReference(reference)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.NewValidationError("reference", "order %s not found", reference)
	}

	if err := order.MarkCancelled(); err != nil {
		return nil, domain.NewValidationError("status", "%s", err.Error())
	}
	if err := s.repo.Update(order); err != nil {
		return nil, err
	}

	// Release the collateral still held by the unfilled remainder.
	if order.Side == domain.SideSell {
		if err := s.positions.Unblock(order.AccountID, order.SecurityID, order.RemainingQuantity()); err != nil {
			return nil, err
		}
	}

	s.events.Audit(events.OrderCancelled, "order", order.ID, map[string]interface{}{
		"reference": order.Reference,
	})
	s.notify.NotifyOrderStatus(order.ID, order.AccountID, string(order.Status), "")

	return order, nil
}

// GetByReference retrieves an order by its unique reference
func (s *Service) GetByReference(reference string) (*domain.Order, error) {
	return s.repo.GetByReference(reference)
}

// ListByAccount returns an account's recent orders
func (s *Service) ListByAccount(accountID int64, limit int) ([]*domain.Order, error) {
	return s.repo.ListByAccount(accountID, limit)
}

func (s *Service) resolveSecurity(params CreateParams) (*domain.Security, error) {
	var security *domain.Security
	var err error

	if params.SecurityID != 0 {
		security, err = s.securities.GetByID(params.SecurityID)
	} else if params.Symbol != "" {
		security, err = s.securities.GetBySymbol(params.Symbol)
	} else {
		return nil, domain.NewValidationError("security", "security_id or symbol is required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up security: %w", err)
	}
	if security == nil {
		return nil, domain.NewValidationError("security", "security not found")
	}
	return security, nil
}

func (s *Service) buildOrder(params CreateParams, security *domain.Security, session *domain.Session) *domain.Order {
	order := &domain.Order{
		Reference:   uuid.New().String(),
		AccountID:   params.AccountID,
		SecurityID:  security.ID,
		SessionID:   session.ID,
		Side:        params.Side,
		Type:        params.Type,
		TimeInForce: params.TimeInForce,
		Price:       params.Price,
		StopPrice:   params.StopPrice,
		Quantity:    params.Quantity,
		Status:      domain.OrderStatusDraft,
	}

	switch order.Type {
	case domain.OrderTypeIOC:
		order.TimeInForce = domain.TIFIOC
	case domain.OrderTypeFOK:
		order.TimeInForce = domain.TIFFOK
	case domain.OrderTypeMarket:
		// Synthetic crossing price; guarantees the matcher sees the order
		// as marketable on either side.
		order.Price = domain.SyntheticMarketPrice(order.Side, security.CurrentPrice)
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TIFDay
	}

	return order
}

// validate runs the submission rule chain and returns the first violation
func (s *Service) validate(order *domain.Order, security *domain.Security, session *domain.Session, account *domain.Account) error {
	if !session.IsOpen() {
		return domain.NewValidationError("session", "session %d is not open", session.ID)
	}

	if order.Side != domain.SideBuy && order.Side != domain.SideSell {
		return domain.NewValidationError("side", "side must be buy or sell")
	}

	if order.Type == domain.OrderTypeIPO {
		if order.Side != domain.SideBuy {
			return domain.NewValidationError("side", "ipo orders must be buys")
		}
		if !security.Status.IsOffering() {
			return domain.NewValidationError("security", "security %s is not in an offering round", security.Symbol)
		}
	} else if !security.Tradeable() {
		return domain.NewValidationError("security", "security %s is not tradeable", security.Symbol)
	}

	if order.Quantity <= 0 {
		return domain.NewValidationError("quantity", "quantity must be positive")
	}
	if !domain.IsMultipleOf(order.Quantity, security.LotSize) {
		return domain.NewValidationError("quantity", "quantity must be a multiple of lot size %g", security.LotSize)
	}
	if security.MaxOrderSize > 0 && order.Quantity > security.MaxOrderSize+domain.Epsilon {
		return domain.NewValidationError("quantity", "quantity exceeds maximum order size %g", security.MaxOrderSize)
	}

	if order.Type.RequiresLimitPrice() {
		if order.Price <= 0 {
			return domain.NewValidationError("price", "limit price must be positive")
		}
		if !domain.IsMultipleOf(order.Price, security.TickSize) {
			return domain.NewValidationError("price", "price must be a multiple of tick size %g", security.TickSize)
		}
	}

	if order.Type.IsStop() {
		if order.StopPrice <= 0 {
			return domain.NewValidationError("stop_price", "stop price must be positive")
		}
		if !domain.IsMultipleOf(order.StopPrice, security.TickSize) {
			return domain.NewValidationError("stop_price", "stop price must be a multiple of tick size %g", security.TickSize)
		}
		if order.Side == domain.SideSell && order.StopPrice >= security.CurrentPrice-domain.Epsilon {
			return domain.NewValidationError("stop_price", "sell stop price must be below the current price %g", security.CurrentPrice)
		}
		if order.Side == domain.SideBuy && order.StopPrice <= security.CurrentPrice+domain.Epsilon {
			return domain.NewValidationError("stop_price", "buy stop price must be above the current price %g", security.CurrentPrice)
		}
	}

	notional := s.notionalValue(order, security)

	if s.limits.MinOrderValue > 0 && notional < s.limits.MinOrderValue-domain.Epsilon {
		return domain.NewValidationError("value", "order value %.2f below minimum %.2f", notional, s.limits.MinOrderValue)
	}
	if s.limits.MaxOrderValue > 0 && notional > s.limits.MaxOrderValue+domain.Epsilon {
		return domain.NewValidationError("value", "order value %.2f above maximum %.2f", notional, s.limits.MaxOrderValue)
	}

	if s.limits.DailyTradingLimit > 0 {
		traded, err := s.repo.DailyTradedValue(account.ID, session.ID)
		if err != nil {
			return err
		}
		if traded+notional > s.limits.DailyTradingLimit+domain.Epsilon {
			return domain.NewValidationError("daily_limit", "order would exceed the daily trading limit %.2f", s.limits.DailyTradingLimit)
		}
	}

	if order.Side == domain.SideBuy {
		return s.validateBuy(order, security, session, account, notional)
	}
	return s.validateSell(order, security, account)
}

func (s *Service) validateBuy(order *domain.Order, security *domain.Security, session *domain.Session, account *domain.Account, notional float64) error {
	if s.limits.PositionLimitPct > 0 && security.TotalShares > 0 {
		pos, err := s.positions.Get(account.ID, security.ID)
		if err != nil {
			return err
		}
		held := 0.0
		if pos != nil {
			held = pos.Quantity
		}
		maxHolding := security.TotalShares * s.limits.PositionLimitPct / 100
		if held+order.Quantity > maxHolding+domain.Epsilon {
			return domain.NewValidationError("position_limit",
				"position would exceed %.1f%% of total shares", s.limits.PositionLimitPct)
		}
	}

	commission := notional * session.CommissionRate / 100
	required := notional + commission

	cash, err := s.accounts.GetCashBalance(account.ID)
	if err != nil {
		return err
	}
	if cash < required-domain.Epsilon {
		return domain.NewValidationError("cash",
			"insufficient funds: need %.2f including commission, have %.2f", required, cash)
	}
	return nil
}

func (s *Service) validateSell(order *domain.Order, security *domain.Security, account *domain.Account) error {
	pos, err := s.positions.Get(account.ID, security.ID)
	if err != nil {
		return err
	}

	held, available := 0.0, 0.0
	if pos != nil {
		held = pos.Quantity
		available = pos.Available()
	}

	if available < order.Quantity-domain.Epsilon {
		return domain.NewValidationError("shares",
			"insufficient shares: hold %g with %g already reserved by pending sells", held, held-available)
	}
	return nil
}

// notionalValue estimates the cash footprint of the order for value and
// funds checks. Limit-priced types use their stated price, stop_loss its
// trigger, everything else the current market price.
func (s *Service) notionalValue(order *domain.Order, security *domain.Security) float64 {
	switch {
	case order.Type.RequiresLimitPrice():
		return order.Quantity * order.Price
	case order.Type == domain.OrderTypeStopLoss:
		return order.Quantity * order.StopPrice
	default:
		return order.Quantity * security.CurrentPrice
	}
}
