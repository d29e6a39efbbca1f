package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/modules/ledger"
	"github.com/aristath/bourse/internal/modules/orders"
	"github.com/aristath/bourse/internal/modules/securities"
	"github.com/aristath/bourse/internal/modules/sessions"
	"github.com/aristath/bourse/internal/modules/trading"
	exchtesting "github.com/aristath/bourse/internal/testing"
)

type engineEnv struct {
	db        *database.DB
	engine    *Engine
	orders    *orders.Repository
	trades    *trading.Repository
	accounts  *ledger.AccountRepository
	positions *ledger.PositionRepository
	secs      *securities.Repository
	secID     int64
	sessionID int64
	seq       time.Duration
}

func newEngineEnv(t *testing.T) (*engineEnv, func()) {
	t.Helper()

	db, cleanup := exchtesting.NewTestDB(t)
	log := zerolog.Nop()

	securityService := securities.NewService(securities.NewRepository(db.Conn(), log), log)
	sessionRepo := sessions.NewRepository(db.Conn(), log)
	orderRepo := orders.NewRepository(db.Conn(), log)
	tradeRepo := trading.NewRepository(db.Conn(), log)
	accountRepo := ledger.NewAccountRepository(db.Conn(), log)
	positionRepo := ledger.NewPositionRepository(db.Conn(), log)
	eventMgr := events.NewManager(events.NewAuditRepository(db.Conn(), log), log)

	env := &engineEnv{
		db:        db,
		orders:    orderRepo,
		trades:    tradeRepo,
		accounts:  accountRepo,
		positions: positionRepo,
		secs:      securities.NewRepository(db.Conn(), log),
		secID: exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{
			Symbol: "ACME", CurrentPrice: 10.00, SessionStartPrice: 10.00,
			TickSize: 0.01, LotSize: 1, TotalShares: 10000,
		}),
		sessionID: exchtesting.CreateSession(t, db, exchtesting.SessionFixture{
			CommissionRate:       0.5,
			CircuitBreakerUpper:  10,
			CircuitBreakerLower:  10,
			PriceChangeThreshold: 1,
		}),
	}

	env.engine = New(db, securityService, sessionRepo, orderRepo, tradeRepo,
		accountRepo, positionRepo, eventMgr, log)
	return env, cleanup
}

func (e *engineEnv) account(t *testing.T, cash float64, team string) int64 {
	t.Helper()
	return exchtesting.CreateAccount(t, e.db, exchtesting.AccountFixture{Cash: cash, Team: team})
}

func (e *engineEnv) holder(t *testing.T, cash, shares float64, team string) int64 {
	t.Helper()
	id := e.account(t, cash, team)
	exchtesting.CreatePosition(t, e.db, id, e.secID, shares, 10.0)
	return id
}

// order inserts an order with strictly increasing creation times so
// time-priority assertions are deterministic.
func (e *engineEnv) order(t *testing.T, f exchtesting.OrderFixture) int64 {
	t.Helper()
	e.seq += time.Second
	f.SecurityID = e.secID
	f.SessionID = e.sessionID
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().Add(-time.Hour + e.seq)
	}
	return exchtesting.CreateOrder(t, e.db, f)
}

func (e *engineEnv) run(t *testing.T) *CycleStats {
	t.Helper()
	stats, err := e.engine.RunMatchingCycle()
	require.NoError(t, err)
	return stats
}

func (e *engineEnv) getOrder(t *testing.T, id int64) *domain.Order {
	t.Helper()
	order, err := e.orders.GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, order)
	return order
}

func (e *engineEnv) cash(t *testing.T, accountID int64) float64 {
	t.Helper()
	balance, err := e.accounts.GetCashBalance(accountID)
	require.NoError(t, err)
	return balance
}

func TestSingleTradeAtEqualPrices(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 0, 10, "")

	buyID := env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})
	sellID := env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})

	stats := env.run(t)
	assert.Equal(t, 1, stats.Trades)

	trades, err := env.trades.ListBySession(env.sessionID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 10.0, trades[0].Quantity, 1e-9)
	assert.InDelta(t, 10.00, trades[0].Price, 1e-9)
	assert.InDelta(t, 100.0, trades[0].Value, 1e-9)

	// 0.5% commission on each side of a 100.00 trade.
	assert.InDelta(t, 1000-100-0.5, env.cash(t, buyer), 1e-9)
	assert.InDelta(t, 100-0.5, env.cash(t, seller), 1e-9)

	assert.Equal(t, domain.OrderStatusFilled, env.getOrder(t, buyID).Status)
	assert.Equal(t, domain.OrderStatusFilled, env.getOrder(t, sellID).Status)

	sellerPos, err := env.positions.Get(seller, env.secID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sellerPos.Quantity, 1e-9)

	buyerPos, err := env.positions.Get(buyer, env.secID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, buyerPos.Quantity, 1e-9)
	assert.InDelta(t, 10.00, buyerPos.AverageCost, 1e-9)
}

func TestCycleIsIdempotent(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 0, 10, "")

	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})

	first := env.run(t)
	assert.Equal(t, 1, first.Trades)

	second := env.run(t)
	assert.Zero(t, second.Trades)

	trades, err := env.trades.ListBySession(env.sessionID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestTradePriceIsSellOrderPrice(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 0, 10, "")

	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.50, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})

	env.run(t)

	trades, err := env.trades.ListBySession(env.sessionID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 10.00, trades[0].Price, 1e-9)
}

func TestPriceTimePriority(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	better := env.account(t, 1000, "")
	earlier := env.account(t, 1000, "")
	later := env.account(t, 1000, "")
	seller := env.holder(t, 0, 10, "")

	lateHigh := env.order(t, exchtesting.OrderFixture{
		AccountID: later, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})
	earlyHigh := env.order(t, exchtesting.OrderFixture{
		AccountID: earlier, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})
	_ = env.order(t, exchtesting.OrderFixture{
		AccountID: better, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.20, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})

	env.run(t)

	// Highest-price buy wins despite arriving last; among equal prices the
	// earlier order would have come first.
	trades, err := env.trades.ListBySession(env.sessionID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, env.getOrder(t, trades[0].BuyOrderID).AccountID, better)

	// Equal-price orders keep arrival order on the book.
	assert.Equal(t, domain.OrderStatusOpen, env.getOrder(t, lateHigh).Status)
	assert.Equal(t, domain.OrderStatusOpen, env.getOrder(t, earlyHigh).Status)
}

func TestTimePriorityWithinPriceLevel(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	earlier := env.account(t, 1000, "")
	later := env.account(t, 1000, "")
	seller := env.holder(t, 0, 5, "")

	earlyID := env.order(t, exchtesting.OrderFixture{
		AccountID: earlier, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})
	lateID := env.order(t, exchtesting.OrderFixture{
		AccountID: later, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})

	env.run(t)

	assert.Equal(t, domain.OrderStatusFilled, env.getOrder(t, earlyID).Status)
	assert.Equal(t, domain.OrderStatusOpen, env.getOrder(t, lateID).Status)
}

func TestSelfTradeAndTeamPrevention(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	selfTrader := env.holder(t, 1000, 10, "")
	teamA1 := env.account(t, 1000, "alpha")
	teamA2 := env.holder(t, 0, 10, "alpha")

	// Same account on both sides.
	selfBuy := env.order(t, exchtesting.OrderFixture{
		AccountID: selfTrader, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})
	selfSell := env.order(t, exchtesting.OrderFixture{
		AccountID: selfTrader, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})
	// Same team on both sides.
	teamBuy := env.order(t, exchtesting.OrderFixture{
		AccountID: teamA1, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})
	teamSell := env.order(t, exchtesting.OrderFixture{
		AccountID: teamA2, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})

	stats := env.run(t)

	// Cross matches between the groups happen, but never within.
	for _, trade := range mustTrades(t, env) {
		buy := env.getOrder(t, trade.BuyOrderID)
		require.NotNil(t, trade.SellOrderID)
		sell := env.getOrder(t, *trade.SellOrderID)
		assert.NotEqual(t, buy.AccountID, sell.AccountID)
		assert.False(t, buy.ID == selfBuy && sell.ID == selfSell)
		assert.False(t, buy.ID == teamBuy && sell.ID == teamSell)
	}
	_ = stats
}

func mustTrades(t *testing.T, env *engineEnv) []*domain.Trade {
	t.Helper()
	trades, err := env.trades.ListBySession(env.sessionID)
	require.NoError(t, err)
	return trades
}

func TestPartialFills(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	sellerA := env.holder(t, 0, 4, "")
	sellerB := env.holder(t, 0, 10, "")

	buyID := env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})
	sellAID := env.order(t, exchtesting.OrderFixture{
		AccountID: sellerA, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 9.90, Quantity: 4,
	})
	sellBID := env.order(t, exchtesting.OrderFixture{
		AccountID: sellerB, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})

	env.run(t)

	buy := env.getOrder(t, buyID)
	assert.Equal(t, domain.OrderStatusFilled, buy.Status)
	// 4 at 9.90 then 6 at 10.00 -> (4*9.90+6*10.00)/10 = 9.96
	assert.InDelta(t, 9.96, buy.AverageFillPrice, 1e-9)

	assert.Equal(t, domain.OrderStatusFilled, env.getOrder(t, sellAID).Status)

	sellB := env.getOrder(t, sellBID)
	assert.Equal(t, domain.OrderStatusPartial, sellB.Status)
	assert.InDelta(t, 6.0, sellB.FilledQuantity, 1e-9)
}

func TestStopLossTriggersAndExecutes(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	stopSeller := env.holder(t, 0, 10, "")
	buyer := env.account(t, 1000, "")

	stopID := env.order(t, exchtesting.OrderFixture{
		AccountID: stopSeller, Side: domain.SideSell, Type: domain.OrderTypeStopLoss,
		StopPrice: 10.00, Quantity: 10, Status: domain.OrderStatusSubmitted,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 9.50, Quantity: 10,
	})

	env.run(t)

	// Current price 10.00 <= stop 10.00 triggers the sell; it becomes a
	// market order and crosses the 9.50 bid. The market sell's synthetic
	// price (90% of current = 9.00) sets the trade price.
	stop := env.getOrder(t, stopID)
	assert.Equal(t, domain.OrderTypeMarket, stop.Type)
	assert.Equal(t, domain.OrderStatusFilled, stop.Status)

	trades := mustTrades(t, env)
	require.Len(t, trades, 1)
	assert.InDelta(t, 9.00, trades[0].Price, 1e-9)
}

func TestStopAboveTriggerStaysWaiting(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	seller := env.holder(t, 0, 10, "")

	stopID := env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeStopLoss,
		StopPrice: 9.00, Quantity: 10, Status: domain.OrderStatusSubmitted,
	})

	env.run(t)

	// Current price 10.00 is above the 9.00 stop; the order keeps waiting.
	stop := env.getOrder(t, stopID)
	assert.Equal(t, domain.OrderTypeStopLoss, stop.Type)
	assert.Equal(t, domain.OrderStatusSubmitted, stop.Status)
}

func TestIOCCancelsRemainder(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 0, 4, "")

	iocID := env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeIOC, TIF: domain.TIFIOC,
		Price: 10.00, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 4,
	})

	env.run(t)

	ioc := env.getOrder(t, iocID)
	assert.Equal(t, domain.OrderStatusCancelled, ioc.Status)
	assert.InDelta(t, 4.0, ioc.FilledQuantity, 1e-9)
}

func TestFOKCancelsWithZeroFillsOnInsufficientLiquidity(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 0, 4, "")

	fokID := env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeFOK, TIF: domain.TIFFOK,
		Price: 10.00, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 4,
	})

	env.run(t)

	fok := env.getOrder(t, fokID)
	assert.Equal(t, domain.OrderStatusCancelled, fok.Status)
	assert.Zero(t, fok.FilledQuantity)
	assert.Empty(t, mustTrades(t, env))
}

func TestFOKFillsCompletelyWhenLiquiditySuffices(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	sellerA := env.holder(t, 0, 6, "")
	sellerB := env.holder(t, 0, 6, "")

	fokID := env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeFOK, TIF: domain.TIFFOK,
		Price: 10.00, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: sellerA, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 6,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: sellerB, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 6,
	})

	env.run(t)

	fok := env.getOrder(t, fokID)
	assert.Equal(t, domain.OrderStatusFilled, fok.Status)
	assert.InDelta(t, 10.0, fok.FilledQuantity, 1e-9)
}

func TestInsufficientFundsRejectsBuyAndMatchingContinues(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	// Passed submission validation with funds, then spent them: the broke
	// buyer carries a higher price so it is attempted first.
	broke := env.account(t, 1, "")
	solvent := env.account(t, 1000, "")
	seller := env.holder(t, 0, 10, "")

	brokeID := env.order(t, exchtesting.OrderFixture{
		AccountID: broke, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.10, Quantity: 10,
	})
	solventID := env.order(t, exchtesting.OrderFixture{
		AccountID: solvent, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})

	env.run(t)

	rejected := env.getOrder(t, brokeID)
	assert.Equal(t, domain.OrderStatusRejected, rejected.Status)
	assert.NotEmpty(t, rejected.RejectReason)
	assert.InDelta(t, 1.0, env.cash(t, broke), 1e-9)

	assert.Equal(t, domain.OrderStatusFilled, env.getOrder(t, solventID).Status)

	trades := mustTrades(t, env)
	require.Len(t, trades, 1)
	assert.Equal(t, solventID, trades[0].BuyOrderID)
}

func TestInsufficientSharesRejectsSell(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	// Seller's shares were transferred away after the order passed validation.
	shareless := env.account(t, 0, "")

	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})
	sellID := env.order(t, exchtesting.OrderFixture{
		AccountID: shareless, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 10,
	})

	env.run(t)

	sell := env.getOrder(t, sellID)
	assert.Equal(t, domain.OrderStatusRejected, sell.Status)
	assert.Empty(t, mustTrades(t, env))
}

func TestVWAPPriceUpdateAfterTrades(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 10000, "")
	seller := env.holder(t, 0, 100, "")

	// Trades at 10.50 move VWAP 5% away from the 10.00 current price,
	// beyond the 1% threshold and inside the 10% breaker band.
	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.50, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.50, Quantity: 10,
	})

	env.run(t)

	sec, err := env.secs.GetByID(env.secID)
	require.NoError(t, err)
	assert.InDelta(t, 10.50, sec.CurrentPrice, 1e-9)

	history, err := env.secs.PriceHistory(env.secID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "trade", history[0].Reason)
}

func TestCircuitBreakerRefusesPriceUpdateButKeepsTrade(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 10000, "")
	seller := env.holder(t, 0, 100, "")

	// 12.00 is 20% above the 10.00 session start, beyond the 10% breaker.
	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 12.00, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 12.00, Quantity: 10,
	})

	stats := env.run(t)
	assert.Equal(t, 1, stats.Trades)

	sec, err := env.secs.GetByID(env.secID)
	require.NoError(t, err)
	assert.InDelta(t, 10.00, sec.CurrentPrice, 1e-9)
}

func TestNoOpenSessionSkipsCycle(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	exchtesting.MustExec(t, env.db, `UPDATE sessions SET state = 'closed' WHERE id = ?`, env.sessionID)

	stats := env.run(t)
	assert.Zero(t, stats.SessionNumber)
	assert.Zero(t, stats.Trades)
}

func TestLockedSecurityIsSkipped(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	require.NoError(t, env.engine.locks.TryAcquire(env.secID))
	defer env.engine.locks.Release(env.secID)

	stats := env.run(t)
	assert.Equal(t, 1, stats.SecuritiesSkipped)
	assert.Zero(t, stats.SecuritiesMatched)
}

func TestFillConsumesOnlyOwnCollateral(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 0, 10, "")

	// Two pending sells of 5 each reserved the whole holding at submission.
	sellAID := env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})
	sellBID := env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 11.00, Quantity: 5,
	})
	require.NoError(t, env.positions.Block(seller, env.secID, 10))

	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})

	env.run(t)

	assert.Equal(t, domain.OrderStatusFilled, env.getOrder(t, sellAID).Status)
	assert.Equal(t, domain.OrderStatusOpen, env.getOrder(t, sellBID).Status)

	// The fill released the filled sell's 5; the other sell's reservation
	// survives on the shrunken holding.
	pos, err := env.positions.Get(seller, env.secID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 5.0, pos.BlockedQuantity, 1e-9)
	assert.InDelta(t, 0.0, pos.Available(), 1e-9)
}

func TestIOCCancellationReleasesCollateral(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 0, 10, "")
	require.NoError(t, env.positions.Block(seller, env.secID, 10))

	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeIOC, TIF: domain.TIFIOC,
		Price: 10.00, Quantity: 10,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 4,
	})

	env.run(t)

	// 4 filled, 6 cancelled: nothing stays reserved.
	pos, err := env.positions.Get(seller, env.secID)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 0.0, pos.BlockedQuantity, 1e-9)
}

func TestFOKRollsBackPartialFillOnCounterpartyRejection(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	sellerA := env.holder(t, 0, 5, "")
	// Seller B's shares were transferred away after its order passed
	// validation, so the liquidity pre-check still counts them.
	sellerB := env.account(t, 0, "")

	fokID := env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeFOK, TIF: domain.TIFFOK,
		Price: 10.00, Quantity: 10,
	})
	sellAID := env.order(t, exchtesting.OrderFixture{
		AccountID: sellerA, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: sellerB, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 5,
	})

	env.run(t)

	// The fill against seller A succeeded before seller B bounced; the whole
	// attempt is undone so the order dies with zero fills.
	fok := env.getOrder(t, fokID)
	assert.Equal(t, domain.OrderStatusCancelled, fok.Status)
	assert.Zero(t, fok.FilledQuantity)
	assert.Empty(t, mustTrades(t, env))

	sellA := env.getOrder(t, sellAID)
	assert.Equal(t, domain.OrderStatusOpen, sellA.Status)
	assert.Zero(t, sellA.FilledQuantity)

	assert.InDelta(t, 1000.0, env.cash(t, buyer), 1e-9)
	posA, err := env.positions.Get(sellerA, env.secID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, posA.Quantity, 1e-9)
}

func TestCashConservation(t *testing.T) {
	env, cleanup := newEngineEnv(t)
	defer cleanup()

	buyer := env.account(t, 1000, "")
	seller := env.holder(t, 500, 20, "")

	env.order(t, exchtesting.OrderFixture{
		AccountID: buyer, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 20,
	})
	env.order(t, exchtesting.OrderFixture{
		AccountID: seller, Side: domain.SideSell, Type: domain.OrderTypeLimit,
		Price: 10.00, Quantity: 20,
	})

	env.run(t)

	trades := mustTrades(t, env)
	require.Len(t, trades, 1)
	commissions := trades[0].BuyerCommission + trades[0].SellerCommission

	total := env.cash(t, buyer) + env.cash(t, seller)
	assert.InDelta(t, 1500-commissions, total, 1e-9)
}

func TestAttributeToPinsOffendingOrder(t *testing.T) {
	var eerr *domain.ExecutionError

	err := attributeTo(&domain.ExecutionError{Reason: "insufficient funds"}, 42)
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, int64(42), eerr.OrderID)

	// An error already carrying its order keeps it.
	err = attributeTo(&domain.ExecutionError{OrderID: 7, Reason: "insufficient funds"}, 42)
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, int64(7), eerr.OrderID)

	// Other errors pass through untouched.
	plain := errors.New("database gone")
	assert.Equal(t, plain, attributeTo(plain, 42))
}
