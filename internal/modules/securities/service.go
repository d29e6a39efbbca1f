package securities

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/bourse/internal/domain"
)

// Service implements price discovery rules on top of the repository: tick
// validation, circuit-breaker bounds and price-history bookkeeping.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a new securities service
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "securities").Logger(),
	}
}

// WithTx returns a service view whose repository is bound to an open
// transaction. Used by the matching engine so price updates commit or roll
// back with the rest of the per-security pass.
func (s *Service) WithTx(tx *sql.Tx) *Service {
	return &Service{repo: s.repo.WithTx(tx), log: s.log}
}

// Repo exposes the underlying repository
func (s *Service) Repo() *Repository {
	return s.repo
}

// UpdatePrice validates and applies a new current price for a security.
// The new price must be a tick-size multiple, and its movement relative to
// the session start price must stay inside the session's circuit-breaker
// band. A refused update leaves current_price untouched and returns a
// ValidationError; a successful one appends a price-history record.
func (s *Service) UpdatePrice(sec *domain.Security, newPrice float64, session *domain.Session, reason string) (*domain.PriceRecord, error) {
	if sec == nil {
		return nil, &domain.InvariantViolation{Detail: "security is nil"}
	}
	if newPrice <= 0 {
		return nil, domain.NewValidationError("price", "price must be positive, got %f", newPrice)
	}
	if !domain.IsMultipleOf(newPrice, sec.TickSize) {
		return nil, domain.NewValidationError("price", "price %f is not a multiple of tick size %f", newPrice, sec.TickSize)
	}

	// Circuit breaker: cap intra-session movement vs the session start
	// price. A security fresh out of issuance has no start price yet and
	// is exempt until the next session opens.
	if session != nil && sec.SessionStartPrice > 0 {
		changePct := (newPrice - sec.SessionStartPrice) / sec.SessionStartPrice * 100
		if changePct > 0 && changePct > session.CircuitBreakerUpper+domain.Epsilon {
			return nil, domain.NewValidationError("circuit_breaker",
				"price rise of %.2f%% exceeds circuit breaker upper bound %.2f%%", changePct, session.CircuitBreakerUpper)
		}
		if changePct < 0 && math.Abs(changePct) > session.CircuitBreakerLower+domain.Epsilon {
			return nil, domain.NewValidationError("circuit_breaker",
				"price fall of %.2f%% exceeds circuit breaker lower bound %.2f%%", math.Abs(changePct), session.CircuitBreakerLower)
		}
	}

	if domain.PriceEqual(newPrice, sec.CurrentPrice) {
		return nil, nil
	}

	rec := domain.PriceRecord{
		SecurityID: sec.ID,
		OldPrice:   sec.CurrentPrice,
		NewPrice:   newPrice,
		Reason:     reason,
	}
	if session != nil {
		rec.SessionID = &session.ID
	}

	if err := s.repo.AppendPriceHistory(rec); err != nil {
		return nil, fmt.Errorf("failed to record price change: %w", err)
	}
	if err := s.repo.SetCurrentPrice(sec.ID, newPrice); err != nil {
		return nil, fmt.Errorf("failed to update price: %w", err)
	}

	s.log.Info().
		Str("symbol", sec.Symbol).
		Float64("old_price", sec.CurrentPrice).
		Float64("new_price", newPrice).
		Str("reason", reason).
		Msg("Price updated")

	sec.CurrentPrice = newPrice
	return &rec, nil
}
