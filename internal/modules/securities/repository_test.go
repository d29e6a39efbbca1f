package securities

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/bourse/internal/domain"
	exchtesting "github.com/aristath/bourse/internal/testing"
)

func TestCreateAndGet(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())

	created, err := repo.Create(domain.Security{
		Symbol:       "acme",
		Name:         "ACME Corp",
		CurrentPrice: 10.0,
		TotalShares:  1000,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "ACME", created.Symbol)
	assert.Equal(t, domain.SecurityStatusTrade, created.Status)
	assert.Equal(t, 0.01, created.TickSize)
	assert.Equal(t, 1.0, created.LotSize)

	byID, err := repo.GetByID(created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "ACME", byID.Symbol)
	assert.Equal(t, 10.0, byID.CurrentPrice)

	bySymbol, err := repo.GetBySymbol("acme")
	require.NoError(t, err)
	require.NotNil(t, bySymbol)
	assert.Equal(t, created.ID, bySymbol.ID)

	missing, err := repo.GetByID(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListFilters(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())

	exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "AAA", Status: domain.SecurityStatusTrade, CurrentPrice: 10})
	exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "BBB", Status: domain.SecurityStatusIPO, CurrentPrice: 0, OfferingQuantity: 100})
	exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "CCC", Status: domain.SecurityStatusHidden, CurrentPrice: 5})

	active, err := repo.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "AAA", active[0].Symbol)
	assert.Equal(t, "BBB", active[1].Symbol)

	tradeable, err := repo.ListTradeable()
	require.NoError(t, err)
	require.Len(t, tradeable, 1)
	assert.Equal(t, "AAA", tradeable[0].Symbol)

	offering, err := repo.ListOffering()
	require.NoError(t, err)
	require.Len(t, offering, 1)
	assert.Equal(t, "BBB", offering[0].Symbol)
}

func TestSnapshotSessionStart(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())

	id := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "AAA", CurrentPrice: 12.34, SessionStartPrice: 10})
	hiddenID := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "HID", Status: domain.SecurityStatusHidden, CurrentPrice: 7, SessionStartPrice: 5})

	require.NoError(t, repo.SnapshotSessionStart())

	sec, err := repo.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, 12.34, sec.SessionStartPrice)

	hidden, err := repo.GetByID(hiddenID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, hidden.SessionStartPrice)
}

func TestCompleteOffering(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())

	id := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{
		Symbol:           "IPO",
		Status:           domain.SecurityStatusIPO,
		OfferingQuantity: 500,
	})

	require.NoError(t, repo.CompleteOffering(id, 2.50))

	sec, err := repo.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, domain.SecurityStatusTrade, sec.Status)
	assert.Equal(t, 2.50, sec.CurrentPrice)
	assert.Equal(t, 2.50, sec.SessionStartPrice)
	assert.Zero(t, sec.OfferingQuantity)
	assert.Equal(t, 1, sec.OfferingRound)
}

func TestPriceHistory(t *testing.T) {
	db, cleanup := exchtesting.NewTestDB(t)
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())

	id := exchtesting.CreateSecurity(t, db, exchtesting.SecurityFixture{Symbol: "AAA", CurrentPrice: 10})

	require.NoError(t, repo.AppendPriceHistory(domain.PriceRecord{SecurityID: id, OldPrice: 10, NewPrice: 10.5, Reason: "trade"}))
	require.NoError(t, repo.AppendPriceHistory(domain.PriceRecord{SecurityID: id, OldPrice: 10.5, NewPrice: 10.4, Reason: "trade"}))

	records, err := repo.PriceHistory(id, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 10.4, records[0].NewPrice)
	assert.Equal(t, 10.5, records[1].NewPrice)
}
