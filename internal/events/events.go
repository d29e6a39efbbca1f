// Package events provides event emission and audit logging.
package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	OrderSubmitted       EventType = "ORDER_SUBMITTED"
	OrderCancelled       EventType = "ORDER_CANCELLED"
	OrderRejected        EventType = "ORDER_REJECTED"
	OrderExpired         EventType = "ORDER_EXPIRED"
	TradeExecuted        EventType = "TRADE_EXECUTED"
	PriceUpdated         EventType = "PRICE_UPDATED"
	PriceUpdateRejected  EventType = "PRICE_UPDATE_REJECTED"
	SessionOpened        EventType = "SESSION_OPENED"
	SessionClosed        EventType = "SESSION_CLOSED"
	SessionSettled       EventType = "SESSION_SETTLED"
	IPOAllocated         EventType = "IPO_ALLOCATED"
	MatchingCycleSkipped EventType = "MATCHING_CYCLE_SKIPPED"
	ErrorOccurred        EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// AuditSink persists audit records for state transitions. The audit_log
// repository is the production implementation; tests may substitute a spy.
type AuditSink interface {
	Append(entityType string, entityID int64, action string, details string) error
}

// Manager handles event emission, logging and audit persistence
type Manager struct {
	log   zerolog.Logger
	audit AuditSink // optional
}

// NewManager creates a new event manager. audit may be nil, in which case
// events are only logged.
func NewManager(audit AuditSink, log zerolog.Logger) *Manager {
	return &Manager{
		log:   log.With().Str("service", "events").Logger(),
		audit: audit,
	}
}

// Emit emits an event
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// Audit records a state transition on an entity and emits the matching
// event. This is the single audit-trail entry point called from
// state-transition methods.
func (m *Manager) Audit(eventType EventType, entityType string, entityID int64, data map[string]interface{}) {
	detailsJSON, _ := json.Marshal(data)

	if m.audit != nil {
		if err := m.audit.Append(entityType, entityID, string(eventType), string(detailsJSON)); err != nil {
			m.log.Error().
				Err(err).
				Str("entity_type", entityType).
				Int64("entity_id", entityID).
				Str("action", string(eventType)).
				Msg("Failed to append audit record")
		}
	}

	m.Emit(eventType, entityType, data)
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
