package events

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id   INTEGER NOT NULL,
			action      TEXT NOT NULL,
			details     TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		) STRICT
	`)
	require.NoError(t, err)

	return db
}

func TestAuditRepositoryAppendAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditRepository(db, zerolog.Nop())

	require.NoError(t, repo.Append("order", 42, "ORDER_SUBMITTED", `{"side":"buy"}`))
	require.NoError(t, repo.Append("order", 42, "ORDER_CANCELLED", `{}`))
	require.NoError(t, repo.Append("order", 7, "ORDER_SUBMITTED", `{}`))

	records, err := repo.GetByEntity("order", 42, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ORDER_CANCELLED", records[0].Action)
	assert.Equal(t, "ORDER_SUBMITTED", records[1].Action)
	assert.Equal(t, `{"side":"buy"}`, records[1].Details)
}

type spySink struct {
	entityType string
	entityID   int64
	action     string
	calls      int
}

func (s *spySink) Append(entityType string, entityID int64, action string, details string) error {
	s.entityType = entityType
	s.entityID = entityID
	s.action = action
	s.calls++
	return nil
}

func TestManagerAuditPersistsAndEmits(t *testing.T) {
	sink := &spySink{}
	mgr := NewManager(sink, zerolog.Nop())

	mgr.Audit(OrderSubmitted, "order", 99, map[string]interface{}{"side": "sell"})

	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "order", sink.entityType)
	assert.Equal(t, int64(99), sink.entityID)
	assert.Equal(t, string(OrderSubmitted), sink.action)
}

func TestManagerWithoutSink(t *testing.T) {
	mgr := NewManager(nil, zerolog.Nop())

	// Must not panic with a nil sink
	mgr.Audit(TradeExecuted, "trade", 1, nil)
	mgr.EmitError("engine", assert.AnError, nil)
}
