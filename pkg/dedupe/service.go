package dedupe

import (
	"context"
	"log/slog"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Outcome classifies the result of a CheckAndMark call.
type Outcome string

const (
	AcceptFirstSeen               Outcome = "ACCEPT_FIRST_SEEN"
	Duplicate                     Outcome = "DUPLICATE"
	QuarantineTooOldVersion       Outcome = "QUARANTINE_TOO_OLD_VERSION"
	QuarantineOutsideReplayWindow Outcome = "QUARANTINE_OUTSIDE_REPLAY_WINDOW"
	QuarantineFutureSkew          Outcome = "QUARANTINE_FUTURE_SKEW"
	QuarantineStoreError          Outcome = "QUARANTINE_STORE_ERROR"
)

// IsQuarantine reports whether the outcome routes the event to quarantine.
func (o Outcome) IsQuarantine() bool {
	switch o {
	case QuarantineTooOldVersion, QuarantineOutsideReplayWindow, QuarantineFutureSkew, QuarantineStoreError:
		return true
	default:
		return false
	}
}

// MinTTL is the contractual lower bound for dedupe row retention.
const MinTTL = 7 * 24 * time.Hour

// Check carries the inputs of one acceptance decision.
type Check struct {
	Tenant  tenant.ID
	EventID string
	Version int64
	// EventTs is the producer's event timestamp; zero disables the
	// time-based fences.
	EventTs time.Time
	// Family selects the replay policy override.
	Family string
	// OperatorReplay bypasses the replay-window fence for deliberate
	// operator-driven re-deliveries.
	OperatorReplay bool
}

// Service evaluates replay fences and records first-seen triplets.
type Service struct {
	store    Store
	cache    HotPathCache
	policies PolicyProvider
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewService creates a service. cache may be nil to disable the hot path.
func NewService(store Store, cache HotPathCache, policies PolicyProvider, ttl time.Duration) *Service {
	logger := slog.Default()
	if ttl < MinTTL {
		logger.Warn("dedupe ttl below contractual minimum",
			"configured", ttl.String(),
			"minimum", MinTTL.String(),
		)
	}
	return &Service{
		store:    store,
		cache:    cache,
		policies: policies,
		ttl:      ttl,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithLogger overrides the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// CheckAndMark decides whether the event occurrence is new, a duplicate, or
// quarantined. Store errors fail closed: an event is never silently accepted
// when the store cannot confirm it is the first occurrence.
func (s *Service) CheckAndMark(ctx context.Context, c Check) Outcome {
	policy := s.policies.PolicyFor(ctx, c.Tenant, c.Family)
	now := s.clock()

	// Fences run in a fixed order; the first tripped fence decides.
	if c.Version < policy.MinAcceptedVersion {
		return QuarantineTooOldVersion
	}
	if !c.EventTs.IsZero() {
		if c.EventTs.After(now.Add(policy.MaxFutureSkew)) {
			return QuarantineFutureSkew
		}
		if !c.OperatorReplay && c.EventTs.Before(now.Add(-policy.ReplayWindow)) {
			return QuarantineOutsideReplayWindow
		}
	}

	triplet := Triplet{Tenant: c.Tenant, EventID: c.EventID, Version: c.Version}

	if s.cache != nil {
		firstSet, err := s.cache.SetNX(ctx, triplet.key(), s.ttl)
		switch {
		case err != nil:
			// Best-effort hot path: log and fall through to the store.
			s.logger.Debug("dedupe cache unavailable", "error", err)
		case !firstSet:
			if bumpErr := s.store.Bump(ctx, triplet); bumpErr != nil {
				s.logger.Debug("dedupe seen-count bump failed", "error", bumpErr)
			}
			return Duplicate
		}
	}

	inserted, err := s.store.Insert(ctx, triplet, s.ttl)
	if err != nil {
		s.logger.Error("dedupe store error, quarantining",
			tenant.LogKey, c.Tenant.Obfuscated(),
			"event_id", c.EventID,
			"error", err,
		)
		return QuarantineStoreError
	}
	if inserted {
		return AcceptFirstSeen
	}
	if err := s.store.Bump(ctx, triplet); err != nil {
		s.logger.Debug("dedupe seen-count bump failed", "error", err)
	}
	return Duplicate
}
