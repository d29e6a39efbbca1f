package engine

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/modules/ledger"
	"github.com/aristath/bourse/internal/modules/orders"
	"github.com/aristath/bourse/internal/modules/securities"
	"github.com/aristath/bourse/internal/modules/trading"
)

// pass carries the transaction-scoped state of one security's matching pass
type pass struct {
	tx        *sql.Tx
	security  *domain.Security
	session   *domain.Session
	orders    *orders.Repository
	trades    *trading.Repository
	accounts  *ledger.AccountRepository
	positions *ledger.PositionRepository
	prices    *securities.Service

	accountCache map[int64]*domain.Account
	savepoints   int

	// Deferred side effects, flushed after the pass commits.
	audits     []pendingAudit
	tradeCount int
}

type pendingAudit struct {
	eventType  events.EventType
	entityType string
	entityID   int64
	data       map[string]interface{}
}

func (p *pass) audit(eventType events.EventType, entityType string, entityID int64, data map[string]interface{}) {
	p.audits = append(p.audits, pendingAudit{eventType, entityType, entityID, data})
}

// account resolves an account through the per-pass cache
func (p *pass) account(id int64) (*domain.Account, error) {
	if acc, ok := p.accountCache[id]; ok {
		return acc, nil
	}
	acc, err := p.accounts.GetByID(id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %d not found", id)
	}
	p.accountCache[id] = acc
	return acc, nil
}

// eligible applies the pair-matching rules: price crossing, no self-trading,
// distinct teams, live remainders. Ineligible pairs are skipped silently.
func (p *pass) eligible(buy, sell *domain.Order) (bool, error) {
	if buy.RemainingQuantity() < domain.Epsilon || sell.RemainingQuantity() < domain.Epsilon {
		return false, nil
	}
	if buy.Status.IsTerminal() || sell.Status.IsTerminal() {
		return false, nil
	}
	if !crosses(buy, sell) {
		return false, nil
	}
	if buy.AccountID == sell.AccountID {
		return false, nil
	}

	buyer, err := p.account(buy.AccountID)
	if err != nil {
		return false, err
	}
	seller, err := p.account(sell.AccountID)
	if err != nil {
		return false, err
	}
	if buyer.SameTeam(seller) {
		return false, nil
	}
	return true, nil
}

// match executes an eligible pair inside its own savepoint. A validation
// failure (insufficient shares or funds) rolls back only this pair, rejects
// the offending order and lets matching continue; any other failure aborts
// the security's pass.
func (p *pass) match(buy, sell *domain.Order) error {
	p.savepoints++
	name := fmt.Sprintf("pair_%d", p.savepoints)

	err := database.WithSavepoint(p.tx, name, func() error {
		return p.executeTrade(buy, sell)
	})
	if err == nil {
		return nil
	}

	var eerr *domain.ExecutionError
	if !errors.As(err, &eerr) {
		return err
	}

	offender := buy
	if eerr.OrderID == sell.ID {
		offender = sell
	}
	offender.MarkRejected(eerr.Reason)
	if uerr := p.orders.Update(offender); uerr != nil {
		return uerr
	}
	if offender.Side == domain.SideSell {
		if uerr := p.positions.Unblock(offender.AccountID, p.security.ID, offender.RemainingQuantity()); uerr != nil {
			return uerr
		}
	}
	p.audit(events.OrderRejected, "order", offender.ID, map[string]interface{}{
		"reference": offender.Reference,
		"reason":    eerr.Reason,
	})
	return nil
}

// attributeTo pins an ExecutionError raised inside the ledger to the order
// whose funds or shares fell short, so offender selection in match never
// depends on the zero-value default.
func attributeTo(err error, orderID int64) error {
	var eerr *domain.ExecutionError
	if errors.As(err, &eerr) && eerr.OrderID == 0 {
		eerr.OrderID = orderID
	}
	return err
}

// executeTrade runs the atomic step sequence for one matched pair. The trade
// price is the sell order's price: the resting side sets the execution price.
func (p *pass) executeTrade(buy, sell *domain.Order) error {
	qty := buy.RemainingQuantity()
	if sell.RemainingQuantity() < qty {
		qty = sell.RemainingQuantity()
	}
	price := sell.Price

	pos, err := p.positions.Get(sell.AccountID, p.security.ID)
	if err != nil {
		return err
	}
	if pos == nil || pos.Quantity < qty-domain.Epsilon {
		held := 0.0
		if pos != nil {
			held = pos.Quantity
		}
		return &domain.ExecutionError{OrderID: sell.ID,
			Reason: fmt.Sprintf("insufficient shares: hold %g, matched %g", held, qty)}
	}

	value := qty * price
	buyerCommission := value * p.session.CommissionRate / 100
	sellerCommission := value * p.session.CommissionRate / 100
	buyerCost := value + buyerCommission
	sellerNet := value - sellerCommission

	cash, err := p.accounts.GetCashBalance(buy.AccountID)
	if err != nil {
		return err
	}
	if cash < buyerCost-domain.Epsilon {
		return &domain.ExecutionError{OrderID: buy.ID,
			Reason: fmt.Sprintf("insufficient funds: need %.2f, have %.2f", buyerCost, cash)}
	}

	trade, err := p.trades.Create(domain.Trade{
		SecurityID:       p.security.ID,
		SessionID:        p.session.ID,
		BuyOrderID:       buy.ID,
		SellOrderID:      &sell.ID,
		Type:             domain.TradeTypeExchange,
		Quantity:         qty,
		Price:            price,
		Value:            value,
		BuyerCommission:  buyerCommission,
		SellerCommission: sellerCommission,
	})
	if err != nil {
		return err
	}

	if err := p.accounts.AdjustCash(buy.AccountID, -buyerCost); err != nil {
		return attributeTo(err, buy.ID)
	}
	if err := p.accounts.AdjustCash(sell.AccountID, sellerNet); err != nil {
		return attributeTo(err, sell.ID)
	}

	// The filled shares leave the seller's collateral before the holding
	// shrinks, so the reservation of any other pending sell survives the
	// clamp in Apply.
	if err := p.positions.Unblock(sell.AccountID, p.security.ID, qty); err != nil {
		return err
	}
	if err := p.positions.Apply(sell.AccountID, p.security.ID, -qty, price); err != nil {
		return attributeTo(err, sell.ID)
	}
	if err := p.positions.Apply(buy.AccountID, p.security.ID, qty, price); err != nil {
		return attributeTo(err, buy.ID)
	}

	if err := buy.ApplyFill(qty, price); err != nil {
		return err
	}
	if err := p.orders.Update(buy); err != nil {
		return err
	}
	if err := sell.ApplyFill(qty, price); err != nil {
		return err
	}
	if err := p.orders.Update(sell); err != nil {
		return err
	}

	p.tradeCount++
	p.audit(events.TradeExecuted, "trade", trade.ID, map[string]interface{}{
		"security": p.security.Symbol,
		"quantity": qty,
		"price":    price,
		"value":    value,
		"buy":      buy.Reference,
		"sell":     sell.Reference,
	})

	return p.checkPriceUpdate()
}

// checkPriceUpdate recomputes the session VWAP and moves the current price
// to it when the divergence crosses the session threshold. A circuit-breaker
// or tick refusal is recorded and does not fail the trade that triggered it.
func (p *pass) checkPriceUpdate() error {
	vwap, volume, err := p.trades.SessionVWAP(p.security.ID, p.session.ID)
	if err != nil {
		return err
	}
	if volume < domain.Epsilon || p.security.CurrentPrice < domain.Epsilon {
		return nil
	}

	divergence := (vwap - p.security.CurrentPrice) / p.security.CurrentPrice * 100
	if divergence < 0 {
		divergence = -divergence
	}
	if divergence < p.session.PriceChangeThreshold {
		return nil
	}

	oldPrice := p.security.CurrentPrice
	rec, err := p.prices.UpdatePrice(p.security, vwap, p.session, "trade")
	if err != nil {
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		p.audit(events.PriceUpdateRejected, "security", p.security.ID, map[string]interface{}{
			"symbol": p.security.Symbol,
			"vwap":   vwap,
			"reason": verr.Error(),
		})
		return nil
	}
	if rec != nil {
		p.audit(events.PriceUpdated, "security", p.security.ID, map[string]interface{}{
			"symbol":    p.security.Symbol,
			"old_price": oldPrice,
			"new_price": rec.NewPrice,
			"vwap":      vwap,
		})
	}
	return nil
}
