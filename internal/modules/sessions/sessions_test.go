package sessions

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/bourse/internal/config"
	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/domain"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/modules/ledger"
	"github.com/aristath/bourse/internal/modules/orders"
	"github.com/aristath/bourse/internal/modules/securities"
	exchtesting "github.com/aristath/bourse/internal/testing"
)

func newTestService(t *testing.T) (*Service, *database.DB, func()) {
	t.Helper()

	db, cleanup := exchtesting.NewTestDB(t)

	log := zerolog.Nop()
	repo := NewRepository(db.Conn(), log)
	orderRepo := orders.NewRepository(db.Conn(), log)
	securityRepo := securities.NewRepository(db.Conn(), log)
	positionRepo := ledger.NewPositionRepository(db.Conn(), log)
	eventMgr := events.NewManager(events.NewAuditRepository(db.Conn(), log), log)

	defaults := config.SessionDefaults{
		CommissionRate:       0.1,
		CircuitBreakerUpper:  10,
		CircuitBreakerLower:  10,
		PriceChangeThreshold: 1,
	}

	svc := NewService(db, repo, orderRepo, securityRepo, positionRepo, eventMgr, events.SilentPolicy{}, defaults, log)
	return svc, db, cleanup
}

func TestOpenCreatesFirstSession(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	session, err := svc.Open()
	require.NoError(t, err)
	assert.Equal(t, int64(1), session.Number)
	assert.Equal(t, domain.SessionStateOpen, session.State)

	// A second open while one is running is refused.
	_, err = svc.Open()
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestOpenSnapshotsSessionStartPrices(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()

	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{
		Symbol:            "ACME",
		CurrentPrice:      12.34,
		SessionStartPrice: 10.00,
	})

	_, err := svc.Open()
	require.NoError(t, err)

	var startPrice float64
	err = db.Conn().QueryRow(`SELECT session_start_price FROM securities WHERE id = ?`, secID).Scan(&startPrice)
	require.NoError(t, err)
	assert.InDelta(t, 12.34, startPrice, 1e-9)
}

func TestCloseExpiresAndCancelsOrders(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()

	session, err := svc.Open()
	require.NoError(t, err)

	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "ACME"})

	dayOrder := exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: session.ID,
		Side: domain.SideBuy, Type: domain.OrderTypeLimit, TIF: domain.TIFDay,
		Price: 10, Quantity: 5, Status: domain.OrderStatusOpen,
	})
	gtcOrder := exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: session.ID,
		Side: domain.SideBuy, Type: domain.OrderTypeLimit, TIF: domain.TIFGTC,
		Price: 10, Quantity: 5, Status: domain.OrderStatusOpen,
	})
	filledOrder := exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: session.ID,
		Side: domain.SideBuy, Type: domain.OrderTypeLimit, TIF: domain.TIFDay,
		Price: 10, Quantity: 5, Filled: 5, Status: domain.OrderStatusFilled,
	})

	closed, err := svc.Close()
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateClosed, closed.State)

	orderRepo := orders.NewRepository(db.Conn(), zerolog.Nop())

	day, err := orderRepo.GetByID(dayOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExpired, day.Status)

	gtc, err := orderRepo.GetByID(gtcOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, gtc.Status)

	// Terminal orders are left alone.
	filled, err := orderRepo.GetByID(filledOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, filled.Status)
}

func TestCloseReleasesSellCollateral(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()

	session, err := svc.Open()
	require.NoError(t, err)

	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 0})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "ACME"})
	exchtesting.CreatePosition(t, db, accID, secID, 20, 10.0)

	// Submitted sells reserved their remainders: 4 left on the half-filled
	// day order, 3 on the gtc order, 3 on a sell parked in a later session.
	// The draft never reserved anything.
	exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: session.ID,
		Side: domain.SideSell, Type: domain.OrderTypeLimit, TIF: domain.TIFDay,
		Price: 10, Quantity: 6, Filled: 2, Status: domain.OrderStatusPartial,
	})
	exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: session.ID,
		Side: domain.SideSell, Type: domain.OrderTypeLimit, TIF: domain.TIFGTC,
		Price: 10, Quantity: 3, Status: domain.OrderStatusOpen,
	})
	exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: session.ID,
		Side: domain.SideSell, Type: domain.OrderTypeLimit, TIF: domain.TIFGTC,
		Price: 10, Quantity: 5, Status: domain.OrderStatusDraft,
	})
	laterSession := exchtesting.CreateSession(t, db, exchtesting.SessionFixture{
		Number: 50, State: domain.SessionStateDraft,
	})
	exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: laterSession,
		Side: domain.SideSell, Type: domain.OrderTypeLimit, TIF: domain.TIFGTC,
		Price: 10, Quantity: 3, Status: domain.OrderStatusOpen,
	})

	positions := ledger.NewPositionRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, positions.Block(accID, secID, 10))

	_, err = svc.Close()
	require.NoError(t, err)

	// Only the closed session's submitted remainders come back; the later
	// session's reservation stands and the draft releases nothing.
	pos, err := positions.Get(accID, secID)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, pos.BlockedQuantity, 1e-9)
	assert.InDelta(t, 17.0, pos.Available(), 1e-9)
}

func TestCloseCarriesIPOOrdersToSuccessor(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()

	session, err := svc.Open()
	require.NoError(t, err)

	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{
		Symbol: "NEWCO", Status: domain.SecurityStatusIPO, OfferingQuantity: 100,
	})

	ipoOrder := exchtesting.CreateOrder(t, db, exchtesting.OrderFixture{
		AccountID: accID, SecurityID: secID, SessionID: session.ID,
		Side: domain.SideBuy, Type: domain.OrderTypeIPO, TIF: domain.TIFGTC,
		Quantity: 10, Status: domain.OrderStatusSubmitted,
	})

	_, err = svc.Close()
	require.NoError(t, err)

	orderRepo := orders.NewRepository(db.Conn(), zerolog.Nop())
	order, err := orderRepo.GetByID(ipoOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
	assert.NotEqual(t, session.ID, order.SessionID)

	// Successor is a draft with inherited configuration.
	next, err := svc.Current()
	require.NoError(t, err)
	assert.Equal(t, session.Number+1, next.Number)
	assert.Equal(t, domain.SessionStateDraft, next.State)
	assert.Equal(t, order.SessionID, next.ID)
}

func TestSettleRequiresClosedState(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	session, err := svc.Open()
	require.NoError(t, err)

	_, err = svc.Settle(session.ID)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	closed, err := svc.Close()
	require.NoError(t, err)

	settled, err := svc.Settle(closed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateSettled, settled.State)
}

func TestReopenAfterClose(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	first, err := svc.Open()
	require.NoError(t, err)
	_, err = svc.Close()
	require.NoError(t, err)

	// Reopening picks up the auto-created draft successor.
	second, err := svc.Open()
	require.NoError(t, err)
	assert.Equal(t, first.Number+1, second.Number)
	assert.Equal(t, domain.SessionStateOpen, second.State)
}
