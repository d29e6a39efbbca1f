package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/config"
	"github.com/aristath/bourse/internal/database"
	"github.com/aristath/bourse/internal/engine"
	"github.com/aristath/bourse/internal/events"
	"github.com/aristath/bourse/internal/modules/ipo"
	"github.com/aristath/bourse/internal/modules/ledger"
	"github.com/aristath/bourse/internal/modules/orders"
	"github.com/aristath/bourse/internal/modules/securities"
	"github.com/aristath/bourse/internal/modules/sessions"
	"github.com/aristath/bourse/internal/modules/trading"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations: database, repositories, services.
func Wire(cfg *config.Config, notify events.NotificationPolicy, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DataDir + "/exchange.db",
		Profile: database.ProfileLedger,
		Name:    "exchange",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize exchange database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate exchange database: %w", err)
	}

	c := &Container{ExchangeDB: db}

	// Repositories
	c.SecurityRepo = securities.NewRepository(db.Conn(), log)
	c.AccountRepo = ledger.NewAccountRepository(db.Conn(), log)
	c.PositionRepo = ledger.NewPositionRepository(db.Conn(), log)
	c.OrderRepo = orders.NewRepository(db.Conn(), log)
	c.TradeRepo = trading.NewRepository(db.Conn(), log)
	c.SessionRepo = sessions.NewRepository(db.Conn(), log)
	c.AuditRepo = events.NewAuditRepository(db.Conn(), log)

	// Services
	c.EventManager = events.NewManager(c.AuditRepo, log)
	c.SecurityService = securities.NewService(c.SecurityRepo, log)
	c.OrderService = orders.NewService(
		c.OrderRepo, c.SecurityRepo, c.SessionRepo, c.AccountRepo, c.PositionRepo,
		c.EventManager, notify, cfg.Limits, log)
	c.SessionService = sessions.NewService(
		db, c.SessionRepo, c.OrderRepo, c.SecurityRepo, c.PositionRepo,
		c.EventManager, notify, cfg.Session, log)
	c.Allocator = ipo.NewAllocator(
		db, c.SecurityRepo, c.OrderRepo, c.TradeRepo, c.AccountRepo, c.PositionRepo,
		c.EventManager, notify, log)
	c.Engine = engine.New(
		db, c.SecurityService, c.SessionRepo, c.OrderRepo, c.TradeRepo,
		c.AccountRepo, c.PositionRepo, c.EventManager, log)

	return c, nil
}
