// Package di provides dependency injection wiring for the exchange.
//
// The Container is the single source of truth for all service instances and
// is passed to the server for access to services.
package di

import (
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

// Container holds all application dependencies
type Container struct {
	// Database
	ExchangeDB *database.DB

	// Repositories - data access layer
	SecurityRepo *securities.Repository
	AccountRepo  *ledger.AccountRepository
	PositionRepo *ledger.PositionRepository
	OrderRepo    *orders.Repository
	TradeRepo    *trading.Repository
	SessionRepo  *sessions.Repository
	AuditRepo    *events.AuditRepository

	// Services - business logic layer
	EventManager    *events.Manager
	SecurityService *securities.Service
	OrderService    *orders.Service
	SessionService  *sessions.Service
	Allocator       *ipo.Allocator
	Engine          *engine.Engine
}

// Close releases the container's resources
func (c *Container) Close() error {
	if c.ExchangeDB != nil {
		return c.ExchangeDB.Close()
	}
	return nil
}
