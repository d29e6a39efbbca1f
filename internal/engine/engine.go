package engine

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/modules/ledger"
	"github.com/aristath/bourse/internal/modules/orders"
	"github.com/aristath/bourse/internal/modules/securities"
	"github.com/aristath/bourse/internal/modules/sessions"
	"github.com/aristath/bourse/internal/modules/trading"
)

// Engine runs the periodic matching cycle. A cycle is idempotent: rerunning
// it against an unchanged book produces no new trades.
type Engine struct {
	db         *database.DB
	securities *securities.Service
	sessions   *sessions.Repository
	orders     *orders.Repository
	trades     *trading.Repository
	accounts   *ledger.AccountRepository
	positions  *ledger.PositionRepository
	events     *events.Manager
	locks      *SecurityLocks
	log        zerolog.Logger
}

// New creates a matching engine
func New(
	db *database.DB,
	securityService *securities.Service,
	sessionRepo *sessions.Repository,
	orderRepo *orders.Repository,
	tradeRepo *trading.Repository,
	accountRepo *ledger.AccountRepository,
	positionRepo *ledger.PositionRepository,
	eventMgr *events.Manager,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		db:         db,
		securities: securityService,
		sessions:   sessionRepo,
		orders:     orderRepo,
		trades:     tradeRepo,
		accounts:   accountRepo,
		positions:  positionRepo,
		events:     eventMgr,
		locks:      NewSecurityLocks(),
		log:        log.With().Str("service", "engine").Logger(),
	}
}

// CycleStats summarizes one matching cycle
type CycleStats struct {
	SessionNumber     int64 `json:"session_number"`
	SecuritiesMatched int   `json:"securities_matched"`
	SecuritiesSkipped int   `json:"securities_skipped"`
	Trades            int   `json:"trades"`
}

// RunMatchingCycle runs one matching pass over every tradeable security of
// the open session. Each security is processed under its exclusive lock and
// inside its own transaction; a failure on one security is logged and the
// cycle moves on to the next.
func (e *Engine) RunMatchingCycle() (*CycleStats, error) {
	session, err := e.sessions.GetOpen()
	if err != nil {
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}
	if session == nil {
		e.log.Debug().Msg("No open session, matching cycle skipped")
		return &CycleStats{}, nil
	}

	list, err := e.securities.Repo().ListTradeable()
	if err != nil {
		return nil, fmt.Errorf("failed to list tradeable securities: %w", err)
	}

	stats := &CycleStats{SessionNumber: session.Number}
	for i := range list {
		security := &list[i]

		if err := e.locks.TryAcquire(security.ID); err != nil {
			var cerr *domain.ConcurrencyError
			if errors.As(err, &cerr) {
				e.log.Warn().Str("symbol", security.Symbol).Msg("Security locked, skipped for this cycle")
				e.events.Emit(events.MatchingCycleSkipped, "engine", map[string]interface{}{
					"symbol": security.Symbol,
					"reason": "lock contention",
				})
				stats.SecuritiesSkipped++
				continue
			}
			return nil, err
		}

		trades, err := e.matchSecurity(security, session)
		e.locks.Release(security.ID)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", security.Symbol).Msg("Matching pass failed")
			e.events.EmitError("engine", err, map[string]interface{}{"symbol": security.Symbol})
			stats.SecuritiesSkipped++
			continue
		}

		stats.SecuritiesMatched++
		stats.Trades += trades
	}

	e.log.Info().
		Int64("session", session.Number).
		Int("matched", stats.SecuritiesMatched).
		Int("skipped", stats.SecuritiesSkipped).
		Int("trades", stats.Trades).
		Msg("Matching cycle completed")

	return stats, nil
}

// matchSecurity runs one security's pass in a single transaction and flushes
// the accumulated audit events after commit.
func (e *Engine) matchSecurity(security *domain.Security, session *domain.Session) (int, error) {
	var p *pass

	err := database.WithTransaction(e.db.Conn(), func(tx *sql.Tx) error {
		p = &pass{
			tx:           tx,
			security:     security,
			session:      session,
			orders:       e.orders.WithTx(tx),
			trades:       e.trades.WithTx(tx),
			accounts:     e.accounts.WithTx(tx),
			positions:    e.positions.WithTx(tx),
			prices:       e.securities.WithTx(tx),
			accountCache: make(map[int64]*domain.Account),
		}

		if err := e.triggerStops(p); err != nil {
			return err
		}
		if err := e.processImmediate(p); err != nil {
			return err
		}
		return e.matchResting(p)
	})
	if err != nil {
		return 0, err
	}

	for _, audit := range p.audits {
		e.events.Audit(audit.eventType, audit.entityType, audit.entityID, audit.data)
	}
	return p.tradeCount, nil
}

// triggerStops converts waiting stop orders whose trigger price has been
// reached: stop_loss becomes a market order at the synthetic crossing price,
// stop_limit becomes a plain limit order.
func (e *Engine) triggerStops(p *pass) error {
	candidates, err := p.orders.TriggerCandidates(p.security.ID, p.session.ID)
	if err != nil {
		return err
	}

	for _, order := range candidates {
		if !order.ShouldTrigger(p.security.CurrentPrice) {
			continue
		}
		if err := order.Trigger(); err != nil {
			return err
		}
		if order.Type == domain.OrderTypeMarket {
			order.Price = domain.SyntheticMarketPrice(order.Side, p.security.CurrentPrice)
		}
		if err := p.orders.Update(order); err != nil {
			return err
		}
		e.log.Debug().
			Str("reference", order.Reference).
			Str("type", string(order.Type)).
			Float64("stop", order.StopPrice).
			Msg("Stop order triggered")
	}
	return nil
}

// processImmediate fills IOC/FOK orders against the opposite resting side
// before the book itself matches. IOC cancels its unfilled remainder; FOK
// cancels entirely unless the eligible opposite quantity covers it.
func (e *Engine) processImmediate(p *pass) error {
	immediate, err := p.orders.ImmediateOrders(p.security.ID, p.session.ID)
	if err != nil {
		return err
	}

	for _, order := range immediate {
		opposite, err := e.oppositeSide(p, order.Side)
		if err != nil {
			return err
		}

		if order.Type == domain.OrderTypeFOK {
			available, err := e.eligibleQuantity(p, order, opposite)
			if err != nil {
				return err
			}
			filled := false
			if available >= order.RemainingQuantity()-domain.Epsilon {
				filled, err = e.fillAllOrNothing(p, order, opposite)
				if err != nil {
					return err
				}
			}
			if !filled {
				if err := e.cancelImmediate(p, order, "insufficient liquidity for fill-or-kill"); err != nil {
					return err
				}
			}
			continue
		}

		if err := e.fillAgainst(p, order, opposite); err != nil {
			return err
		}

		if order.RemainingQuantity() > domain.Epsilon && !order.Status.IsTerminal() {
			if err := e.cancelImmediate(p, order, "unfilled remainder"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) oppositeSide(p *pass, side domain.Side) ([]*domain.Order, error) {
	if side == domain.SideBuy {
		return p.orders.RestingSells(p.security.ID, p.session.ID)
	}
	return p.orders.RestingBuys(p.security.ID, p.session.ID)
}

// eligibleQuantity sums the opposite-side quantity an order could legally
// fill against, for the FOK pre-check
func (e *Engine) eligibleQuantity(p *pass, order *domain.Order, opposite []*domain.Order) (float64, error) {
	total := 0.0
	for _, other := range opposite {
		buy, sell := order, other
		if order.Side == domain.SideSell {
			buy, sell = other, order
		}
		ok, err := p.eligible(buy, sell)
		if err != nil {
			return 0, err
		}
		if ok {
			total += other.RemainingQuantity()
		}
	}
	return total, nil
}

// errFOKUnfilled rolls back a fill-or-kill attempt that could not complete
var errFOKUnfilled = errors.New("fill-or-kill left unfilled")

// fillAllOrNothing executes a fill-or-kill order inside one savepoint, so a
// counterparty rejected at execution time (the pre-check races against
// ledger state) cannot leave the order partially filled: either every share
// fills or the whole attempt rolls back. The in-memory pass state the
// attempt touched is restored alongside the savepoint; counterparty orders
// are re-read from the book afterwards.
func (e *Engine) fillAllOrNothing(p *pass, order *domain.Order, opposite []*domain.Order) (bool, error) {
	auditMark := len(p.audits)
	tradeMark := p.tradeCount
	filledQty := order.FilledQuantity
	avgPrice := order.AverageFillPrice
	status := order.Status
	currentPrice := p.security.CurrentPrice

	p.savepoints++
	name := fmt.Sprintf("fok_%d", p.savepoints)

	err := database.WithSavepoint(p.tx, name, func() error {
		if err := e.fillAgainst(p, order, opposite); err != nil {
			return err
		}
		if order.RemainingQuantity() > domain.Epsilon {
			return errFOKUnfilled
		}
		return nil
	})
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, errFOKUnfilled) {
		return false, err
	}

	p.audits = p.audits[:auditMark]
	p.tradeCount = tradeMark
	order.FilledQuantity = filledQty
	order.AverageFillPrice = avgPrice
	order.Status = status
	p.security.CurrentPrice = currentPrice
	return false, nil
}

func (e *Engine) fillAgainst(p *pass, order *domain.Order, opposite []*domain.Order) error {
	for _, other := range opposite {
		if order.RemainingQuantity() < domain.Epsilon || order.Status.IsTerminal() {
			break
		}

		buy, sell := order, other
		if order.Side == domain.SideSell {
			buy, sell = other, order
		}

		ok, err := p.eligible(buy, sell)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := p.match(buy, sell); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cancelImmediate(p *pass, order *domain.Order, reason string) error {
	if err := order.MarkCancelled(); err != nil {
		return err
	}
	if err := p.orders.Update(order); err != nil {
		return err
	}
	if order.Side == domain.SideSell {
		if err := p.positions.Unblock(order.AccountID, p.security.ID, order.RemainingQuantity()); err != nil {
			return err
		}
	}
	p.audit(events.OrderCancelled, "order", order.ID, map[string]interface{}{
		"reference": order.Reference,
		"reason":    reason,
	})
	return nil
}

// matchResting builds the resting book and runs the outer-buy/inner-sell
// matching loop. Ineligible pairs are skipped silently; execution failures
// reject the offender inside p.match and scanning continues.
func (e *Engine) matchResting(p *pass) error {
	buys, err := p.orders.RestingBuys(p.security.ID, p.session.ID)
	if err != nil {
		return err
	}
	sells, err := p.orders.RestingSells(p.security.ID, p.session.ID)
	if err != nil {
		return err
	}

	b := newBook(buys, sells)
	buyQueue := b.buys.Orders()
	sellQueue := b.sells.Orders()

	for _, buy := range buyQueue {
		if buy.RemainingQuantity() < domain.Epsilon || buy.Status.IsTerminal() {
			continue
		}
		for _, sell := range sellQueue {
			if buy.RemainingQuantity() < domain.Epsilon || buy.Status.IsTerminal() {
				break
			}
			ok, err := p.eligible(buy, sell)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := p.match(buy, sell); err != nil {
				return err
			}
		}
	}
	return nil
}
