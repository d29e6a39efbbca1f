package ledger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/bourse/internal/domain"
	exchtesting "github.com/aristath/bourse/internal/testing"
)

func TestAccountCreateAndGet(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(db.Conn(), zerolog.Nop())

	created, err := repo.Create(domain.Account{Name: "Alice", Team: "alpha", CashBalance: 5000})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, domain.RoleInvestor, created.Role)

	got, err := repo.GetByID(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "alpha", got.Team)
	assert.Equal(t, 5000.0, got.CashBalance)

	missing, err := repo.GetByID(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAccountCreateRejectsNegativeBalance(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(db.Conn(), zerolog.Nop())

	_, err := repo.Create(domain.Account{Name: "Broke", CashBalance: -1})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestAdjustCash(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(db.Conn(), zerolog.Nop())
	id := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 100})

	require.NoError(t, repo.AdjustCash(id, -40))
	require.NoError(t, repo.AdjustCash(id, 15))

	balance, err := repo.GetCashBalance(id)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, balance, 1e-9)
}

func TestAdjustCashRejectsOverdraft(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(db.Conn(), zerolog.Nop())
	id := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 50})

	err := repo.AdjustCash(id, -50.01)
	var eerr *domain.ExecutionError
	require.ErrorAs(t, err, &eerr)

	// Balance untouched after the refused debit.
	balance, err := repo.GetCashBalance(id)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, balance, 1e-9)

	// Spending the full balance exactly is allowed.
	require.NoError(t, repo.AdjustCash(id, -50))
	balance, err = repo.GetCashBalance(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, balance, 1e-9)
}

func TestPositionApplyCreatesAndAverages(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewPositionRepository(db.Conn(), zerolog.Nop())
	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "ACME"})

	// First buy creates the position at the reference price.
	require.NoError(t, repo.Apply(accID, secID, 10, 5.0))

	pos, err := repo.Get(accID, secID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 5.0, pos.AverageCost, 1e-9)

	// Second buy at a higher price shifts the weighted average.
	require.NoError(t, repo.Apply(accID, secID, 10, 7.0))

	pos, err = repo.Get(accID, secID)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 6.0, pos.AverageCost, 1e-9)

	// Selling reduces quantity but leaves the cost basis alone.
	require.NoError(t, repo.Apply(accID, secID, -15, 9.0))

	pos, err = repo.Get(accID, secID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 6.0, pos.AverageCost, 1e-9)
}

func TestPositionApplyRetainsRecordAtZero(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewPositionRepository(db.Conn(), zerolog.Nop())
	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "ACME"})
	exchtesting.CreatePosition(t, db, accID, secID, 8, 4.0)

	require.NoError(t, repo.Apply(accID, secID, -8, 6.0))

	pos, err := repo.Get(accID, secID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 0.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 4.0, pos.AverageCost, 1e-9)
}

func TestPositionApplySellWithoutHolding(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewPositionRepository(db.Conn(), zerolog.Nop())
	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "ACME"})

	err := repo.Apply(accID, secID, -5, 6.0)
	var eerr *domain.ExecutionError
	require.ErrorAs(t, err, &eerr)
}

func TestPositionBlockUnblock(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewPositionRepository(db.Conn(), zerolog.Nop())
	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "ACME"})
	exchtesting.CreatePosition(t, db, accID, secID, 10, 5.0)

	require.NoError(t, repo.Block(accID, secID, 6))

	pos, err := repo.Get(accID, secID)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, pos.Available(), 1e-9)

	// Blocking past the holding is refused.
	err = repo.Block(accID, secID, 5)
	var eerr *domain.ExecutionError
	require.ErrorAs(t, err, &eerr)

	require.NoError(t, repo.Unblock(accID, secID, 6))

	pos, err = repo.Get(accID, secID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pos.Available(), 1e-9)
}

func TestPositionSellShrinksBlocked(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewPositionRepository(db.Conn(), zerolog.Nop())
	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "ACME"})
	exchtesting.CreatePosition(t, db, accID, secID, 10, 5.0)
	require.NoError(t, repo.Block(accID, secID, 10))

	// Executing a blocked sell keeps blocked_quantity within the holding.
	require.NoError(t, repo.Apply(accID, secID, -4, 6.0))

	pos, err := repo.Get(accID, secID)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 6.0, pos.BlockedQuantity, 1e-9)
}

func TestListByAccount(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewPositionRepository(db.Conn(), zerolog.Nop())
	accID := exchtesting.CreateAccount(t, db, exchtesting.AccountFixture{Cash: 1000})
	secA := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "AAA"})
	secB := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "BBB"})
	exchtesting.CreatePosition(t, db, accID, secA, 3, 2.0)
	exchtesting.CreatePosition(t, db, accID, secB, 7, 1.5)

	positions, err := repo.ListByAccount(accID)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, secA, positions[0].SecurityID)
	assert.Equal(t, secB, positions[1].SecurityID)
}
