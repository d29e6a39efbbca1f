package sessions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/config"
	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/modules/ledger"
	"github.com/aristath/bourse/internal/modules/orders"
	"github.com/aristath/bourse/internal/modules/securities"
)

// Service drives the session lifecycle. Sessions move strictly
// draft → open → closed → settled and are never deleted.
type Service struct {
	db         *database.DB
	repo       *Repository
	orders     *orders.Repository
	securities *securities.Repository
	positions  *ledger.PositionRepository
	events     *events.Manager
	notify     events.NotificationPolicy
	defaults   config.SessionDefaults
	log        zerolog.Logger
}

// NewService creates a new session lifecycle service
func NewService(
	db *database.DB,
	repo *Repository,
	orderRepo *orders.Repository,
	securityRepo *securities.Repository,
	positionRepo *ledger.PositionRepository,
	eventMgr *events.Manager,
	notify events.NotificationPolicy,
	defaults config.SessionDefaults,
	log zerolog.Logger,
) *Service {
	if notify == nil {
		notify = events.SilentPolicy{}
	}
	return &Service{
		db:         db,
		repo:       repo,
		orders:     orderRepo,
		securities: securityRepo,
		positions:  positionRepo,
		events:     eventMgr,
		notify:     notify,
		defaults:   defaults,
		log:        log.With().Str("service", "sessions").Logger(),
	}
}

// Current returns the open session, falling back to the latest session of
// any state
func (s *Service) Current() (*domain.Session, error) {
	session, err := s.repo.GetOpen()
	if err != nil || session != nil {
		return session, err
	}
	return s.repo.GetLatest()
}

// List returns sessions newest first
func (s *Service) List(limit int) ([]*domain.Session, error) {
	return s.repo.List(limit)
}

// Open opens the next trading session. The latest draft session is opened if
// one exists; otherwise a fresh session is created from the configured
// defaults. Opening snapshots session_start_price for every active security,
// which resets the circuit-breaker reference band.
func (s *Service) Open() (*domain.Session, error) {
	already, err := s.repo.GetOpen()
	if err != nil {
		return nil, err
	}
	if already != nil {
		return nil, domain.NewValidationError("state", "session %d is already open", already.Number)
	}

	var opened *domain.Session
	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		repo := s.repo.WithTx(tx)

		session, err := repo.GetLatest()
		if err != nil {
			return err
		}

		switch {
		case session == nil:
			session, err = repo.Create(domain.Session{
				Number:               1,
				CommissionRate:       s.defaults.CommissionRate,
				CircuitBreakerUpper:  s.defaults.CircuitBreakerUpper,
				CircuitBreakerLower:  s.defaults.CircuitBreakerLower,
				PriceChangeThreshold: s.defaults.PriceChangeThreshold,
			})
			if err != nil {
				return err
			}
		case session.State != domain.SessionStateDraft:
			session, err = repo.Create(domain.Session{
				Number:               session.Number + 1,
				CommissionRate:       session.CommissionRate,
				CircuitBreakerUpper:  session.CircuitBreakerUpper,
				CircuitBreakerLower:  session.CircuitBreakerLower,
				PriceChangeThreshold: session.PriceChangeThreshold,
			})
			if err != nil {
				return err
			}
		}

		if err := s.securities.WithTx(tx).SnapshotSessionStart(); err != nil {
			return err
		}
		if err := repo.SetState(session.ID, domain.SessionStateOpen); err != nil {
			return err
		}

		session.State = domain.SessionStateOpen
		now := time.Now()
		session.OpenedAt = &now
		opened = session
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	s.events.Audit(events.SessionOpened, "session", opened.ID, map[string]interface{}{
		"number": opened.Number,
	})
	s.log.Info().Int64("number", opened.Number).Msg("Session opened")

	return opened, nil
}

// Close closes the open session: day orders expire, other pending
// secondary-market orders are cancelled, pending ipo orders move to the
// successor session, and an end-of-session price snapshot is written. The
// successor draft session inherits the closing session's configuration.
func (s *Service) Close() (*domain.Session, error) {
	session, err := s.repo.GetOpen()
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.NewValidationError("state", "no open session to close")
	}

	var expiredOrders, cancelledOrders []*domain.Order
	var carried int64
	var next *domain.Session

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		repo := s.repo.WithTx(tx)
		orderRepo := s.orders.WithTx(tx)
		securityRepo := s.securities.WithTx(tx)
		positionRepo := s.positions.WithTx(tx)

		pending, err := orderRepo.PendingBySession(session.ID)
		if err != nil {
			return err
		}

		for _, order := range pending {
			if order.Type == domain.OrderTypeIPO {
				continue // carried over below
			}
			wasDraft := order.Status == domain.OrderStatusDraft
			if order.TimeInForce == domain.TIFDay {
				if err := order.MarkExpired(); err != nil {
					return err
				}
				expiredOrders = append(expiredOrders, order)
			} else {
				order.Status = domain.OrderStatusCancelled
				cancelledOrders = append(cancelledOrders, order)
			}
			if err := orderRepo.Update(order); err != nil {
				return err
			}
			// Submitted sell orders hold their remaining shares as
			// collateral; drafts never reserved anything.
			if order.Side == domain.SideSell && !wasDraft {
				if err := positionRepo.Unblock(order.AccountID, order.SecurityID, order.RemainingQuantity()); err != nil {
					return err
				}
			}
		}

		next, err = repo.Create(domain.Session{
			Number:               session.Number + 1,
			CommissionRate:       session.CommissionRate,
			CircuitBreakerUpper:  session.CircuitBreakerUpper,
			CircuitBreakerLower:  session.CircuitBreakerLower,
			PriceChangeThreshold: session.PriceChangeThreshold,
		})
		if err != nil {
			return err
		}

		carried, err = orderRepo.CarryOverIPO(session.ID, next.ID)
		if err != nil {
			return err
		}

		// End-of-session closing-price snapshot.
		active, err := securityRepo.ListActive()
		if err != nil {
			return err
		}
		for _, sec := range active {
			rec := domain.PriceRecord{
				SecurityID: sec.ID,
				SessionID:  &session.ID,
				OldPrice:   sec.CurrentPrice,
				NewPrice:   sec.CurrentPrice,
				Reason:     "session close",
			}
			if err := securityRepo.AppendPriceHistory(rec); err != nil {
				return err
			}
		}

		return repo.SetState(session.ID, domain.SessionStateClosed)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close session %d: %w", session.Number, err)
	}

	for _, order := range expiredOrders {
		s.events.Audit(events.OrderExpired, "order", order.ID, map[string]interface{}{
			"reference": order.Reference,
		})
		s.notify.NotifyOrderStatus(order.ID, order.AccountID, string(order.Status), "session closed")
	}
	for _, order := range cancelledOrders {
		s.events.Audit(events.OrderCancelled, "order", order.ID, map[string]interface{}{
			"reference": order.Reference,
			"reason":    "session closed",
		})
		s.notify.NotifyOrderStatus(order.ID, order.AccountID, string(order.Status), "session closed")
	}

	s.events.Audit(events.SessionClosed, "session", session.ID, map[string]interface{}{
		"number":           session.Number,
		"expired_orders":   len(expiredOrders),
		"cancelled_orders": len(cancelledOrders),
		"carried_ipo":      carried,
		"next_session":     next.Number,
	})
	s.log.Info().
		Int64("number", session.Number).
		Int("expired", len(expiredOrders)).
		Int("cancelled", len(cancelledOrders)).
		Int64("carried_ipo", carried).
		Msg("Session closed")

	session.State = domain.SessionStateClosed
	now := time.Now()
	session.ClosedAt = &now
	return session, nil
}

// Settle marks a closed session as settled. Settlement is terminal
// bookkeeping; all order and ledger movement already happened at close.
func (s *Service) Settle(id int64) (*domain.Session, error) {
	session, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.NewValidationError("session", "session %d not found", id)
	}
	if session.State != domain.SessionStateClosed {
		return nil, domain.NewValidationError("state", "only closed sessions can be settled, session %d is %s", session.Number, session.State)
	}

	if err := s.repo.SetState(session.ID, domain.SessionStateSettled); err != nil {
		return nil, err
	}

	s.events.Audit(events.SessionSettled, "session", session.ID, map[string]interface{}{
		"number": session.Number,
	})

	session.State = domain.SessionStateSettled
	return session, nil
}
