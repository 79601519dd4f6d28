package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/veggieshop/platform/pkg/header"
	"github.com/veggieshop/platform/pkg/tenant"
)

// Outbox row states.
const (
	OutboxPending     = "PENDING"
	OutboxPublished   = "PUBLISHED"
	OutboxQuarantined = "QUARANTINED"
)

// maxLastErrorBytes bounds the stored failure diagnostic.
const maxLastErrorBytes = 2048

// OutboxRecord is one row of the transactional outbox. It is written in the
// same transaction as the business state change and drained asynchronously.
type OutboxRecord struct {
	ID            uuid.UUID      `json:"id"`
	Tenant        tenant.ID      `json:"tenant_id"`
	Topic         string         `json:"topic"`
	Key           string         `json:"event_key,omitempty"`
	AggregateType string         `json:"aggregate_type,omitempty"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	EventType     string         `json:"event_type,omitempty"`
	EntityVersion int64          `json:"entity_version,omitempty"`
	Payload       []byte         `json:"payload"`
	Headers       header.Headers `json:"headers,omitempty"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	AvailableAt   time.Time      `json:"available_at"`
	CreatedAt     time.Time      `json:"created_at"`
	PublishedAt   time.Time      `json:"published_at,omitzero"`
	RowVersion    int64          `json:"row_version"`
}

// ErrOutboxRowGone is returned when a claimed row vanished before the state
// transition landed.
var ErrOutboxRowGone = errors.New("eventbus: outbox row not found")

// OutboxStore is the durability SPI for the outbox. ClaimBatch must hand each
// due PENDING row to exactly one concurrent drainer (FOR UPDATE SKIP LOCKED
// or equivalent).
type OutboxStore interface {
	Enqueue(ctx context.Context, rec OutboxRecord) error
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, availableAt time.Time, attempts int, lastError string) error
	Quarantine(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error
	// SweepPublished deletes PUBLISHED rows older than the cutoff.
	SweepPublished(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// MemoryOutboxStore is the in-process reference store. It keeps the durable
// store's contract: claimed rows carry a lease so no second drainer sees
// them, and state transitions only move rows out of PENDING.
type MemoryOutboxStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*OutboxRecord
	lease time.Duration
	clock func() time.Time
}

// NewMemoryOutboxStore creates an empty in-memory outbox with a 30 second
// claim lease.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		rows:  make(map[uuid.UUID]*OutboxRecord),
		lease: 30 * time.Second,
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryOutboxStore) WithClock(clock func() time.Time) *MemoryOutboxStore {
	s.clock = clock
	return s
}

// WithClaimLease overrides how long a claimed row stays invisible to other
// drainers.
func (s *MemoryOutboxStore) WithClaimLease(d time.Duration) *MemoryOutboxStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

func (s *MemoryOutboxStore) Enqueue(_ context.Context, rec OutboxRecord) error {
	if rec.ID == uuid.Nil {
		return errors.New("eventbus: outbox record requires an id")
	}
	if rec.Topic == "" {
		return errors.New("eventbus: outbox record requires a topic")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.rows[rec.ID]; dup {
		return fmt.Errorf("eventbus: outbox id %s already enqueued", rec.ID)
	}
	now := s.clock()
	rec.Status = OutboxPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.AvailableAt.IsZero() {
		rec.AvailableAt = now
	}
	stored := rec
	stored.Headers = rec.Headers.Clone()
	s.rows[rec.ID] = &stored
	return nil
}

func (s *MemoryOutboxStore) ClaimBatch(_ context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxRecord
	for _, r := range s.rows {
		if r.Status == OutboxPending && !r.AvailableAt.After(now) {
			due = append(due, r)
		}
	}
	// Oldest first, as the durable store orders by created_at.
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxRecord, 0, len(due))
	for _, r := range due {
		r.AvailableAt = now.Add(s.lease)
		r.RowVersion++
		c := *r
		c.Headers = r.Headers.Clone()
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryOutboxStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != OutboxPending {
		return ErrOutboxRowGone
	}
	r.Status = OutboxPublished
	r.PublishedAt = at
	r.LastError = ""
	r.RowVersion++
	return nil
}

func (s *MemoryOutboxStore) Reschedule(_ context.Context, id uuid.UUID, availableAt time.Time, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != OutboxPending {
		return ErrOutboxRowGone
	}
	// Never move the row ahead of its claim lease.
	if availableAt.After(r.AvailableAt) {
		r.AvailableAt = availableAt
	}
	r.Attempts = attempts
	r.LastError = truncateError(lastError)
	r.RowVersion++
	return nil
}

func (s *MemoryOutboxStore) Quarantine(_ context.Context, id uuid.UUID, at time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != OutboxPending {
		return ErrOutboxRowGone
	}
	r.Status = OutboxQuarantined
	r.AvailableAt = at
	r.LastError = truncateError(lastError)
	r.RowVersion++
	return nil
}

func (s *MemoryOutboxStore) SweepPublished(_ context.Context, olderThan time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.rows {
		if r.Status == OutboxPublished && r.PublishedAt.Before(olderThan) {
			delete(s.rows, id)
			n++
			if limit > 0 && n >= limit {
				break
			}
		}
	}
	return n, nil
}

// Row returns a copy of the stored row, for tests and inspection.
func (s *MemoryOutboxStore) Row(id uuid.UUID) (OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return OutboxRecord{}, false
	}
	c := *r
	c.Headers = r.Headers.Clone()
	return c, true
}

func truncateError(s string) string {
	if len(s) > maxLastErrorBytes {
		return s[:maxLastErrorBytes]
	}
	return s
}

// DrainerConfig tunes the outbox drain loop.
type DrainerConfig struct {
	BatchSize int
	// QuarantineThreshold is the attempt count at which a row stops being
	// rescheduled and is parked for operator review.
	QuarantineThreshold int
	Retry               RetryPolicy
	PollInterval        time.Duration
	// PublishRate paces bus sends; zero disables pacing.
	PublishRate rate.Limit
	PublishBurst int
	// PublishedRetention bounds how long PUBLISHED rows are kept before the
	// sweeper deletes them.
	PublishedRetention time.Duration
}

// DefaultDrainerConfig returns the conventional drain settings.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		BatchSize:           100,
		QuarantineThreshold: 10,
		Retry:               DefaultRetryPolicy(),
		PollInterval:        500 * time.Millisecond,
		PublishedRetention:  24 * time.Hour,
	}
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Claimed     int
	Published   int
	Rescheduled int
	Quarantined int
}

// Drainer moves PENDING outbox rows onto the bus.
type Drainer struct {
	store   OutboxStore
	bus     Bus
	cfg     DrainerConfig
	limiter *rate.Limiter
	clock   func() time.Time
	rng     *rand.Rand
	logger  *slog.Logger
}

// NewDrainer creates a drainer over store and bus.
func NewDrainer(store OutboxStore, bus Bus, cfg DrainerConfig) *Drainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.QuarantineThreshold <= 0 {
		cfg.QuarantineThreshold = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	d := &Drainer{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(cfg.PublishRate, burst)
	}
	return d
}

// WithClock overrides the clock for deterministic testing.
func (d *Drainer) WithClock(clock func() time.Time) *Drainer {
	d.clock = clock
	return d
}

// WithRand injects a deterministic jitter source.
func (d *Drainer) WithRand(rng *rand.Rand) *Drainer {
	d.rng = rng
	return d
}

// WithLogger overrides the logger.
func (d *Drainer) WithLogger(l *slog.Logger) *Drainer {
	d.logger = l
	return d
}

// DrainOnce claims one batch of due rows and publishes each. A send failure
// reschedules the row with exponential backoff until the quarantine
// threshold; the pass itself only errors when the store does.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainStats, error) {
	now := d.clock()
	batch, err := d.store.ClaimBatch(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return DrainStats{}, fmt.Errorf("eventbus: outbox claim: %w", err)
	}
	stats := DrainStats{Claimed: len(batch)}

	for _, rec := range batch {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}
		if err := d.publishRow(ctx, rec); err != nil {
			attempts := rec.Attempts + 1
			if attempts >= d.cfg.QuarantineThreshold {
				if qerr := d.store.Quarantine(ctx, rec.ID, d.clock(), err.Error()); qerr != nil {
					return stats, fmt.Errorf("eventbus: outbox quarantine: %w", qerr)
				}
				stats.Quarantined++
				d.logger.Error("outbox row quarantined",
					tenant.LogKey, rec.Tenant.Obfuscated(),
					"outbox_id", rec.ID.String(),
					"topic", rec.Topic,
					"attempts", attempts,
					"error", err,
				)
				continue
			}
			next := d.clock().Add(d.cfg.Retry.OutboxBackoff(attempts, d.rng))
			if rerr := d.store.Reschedule(ctx, rec.ID, next, attempts, err.Error()); rerr != nil {
				return stats, fmt.Errorf("eventbus: outbox reschedule: %w", rerr)
			}
			stats.Rescheduled++
			continue
		}
		if err := d.store.MarkPublished(ctx, rec.ID, d.clock()); err != nil {
			return stats, fmt.Errorf("eventbus: outbox mark published: %w", err)
		}
		stats.Published++
	}
	return stats, nil
}

func (d *Drainer) publishRow(ctx context.Context, rec OutboxRecord) error {
	headers := rec.Headers.Clone()
	if headers == nil {
		headers = make(header.Headers)
	}
	env := header.Envelope{Tenant: rec.Tenant, EventID: rec.ID, EntityVersion: rec.EntityVersion}
	if err := env.Attach(headers); err != nil {
		return err
	}
	if rec.AggregateID != "" {
		if err := headers.SetIfAbsent(header.KeyAggregateID, []byte(rec.AggregateID)); err != nil {
			return err
		}
	}
	if rec.EventType != "" {
		if err := headers.SetIfAbsent(header.KeyEventFamily, []byte(rec.EventType)); err != nil {
			return err
		}
	}
	return d.bus.Send(ctx, Record{
		Topic:   rec.Topic,
		Key:     rec.Key,
		Value:   rec.Payload,
		Headers: headers,
	})
}

// Run drains in a loop until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				d.logger.Error("outbox drain pass failed", "error", err)
			}
		}
	}
}

// SweepPublished deletes PUBLISHED rows past the retention horizon.
func (d *Drainer) SweepPublished(ctx context.Context, limit int) (int, error) {
	retention := d.cfg.PublishedRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return d.store.SweepPublished(ctx, d.clock().Add(-retention), limit)
}
