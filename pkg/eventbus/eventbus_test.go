package eventbus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/header"
	"github.com/veggieshop/platform/pkg/tenant"
)

var acme = tenant.MustParse("acme")

type fakeBus struct {
	mu       sync.Mutex
	sent     []Record
	failures int
	err      error
}

func (b *fakeBus) Send(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return b.err
	}
	c := rec
	c.Headers = rec.Headers.Clone()
	b.sent = append(b.sent, c)
	return nil
}

func (b *fakeBus) records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.sent...)
}

func noSleep(t *testing.T) (func(context.Context, time.Duration) error, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	return func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}, &slept
}

func TestBackoffJitterBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	rng := rand.New(rand.NewSource(42))
	for attempt := 1; attempt <= 8; attempt++ {
		base := float64(p.InitialBackoff) * pow2(attempt-1)
		if base > float64(p.MaxBackoff) {
			base = float64(p.MaxBackoff)
		}
		for i := 0; i < 100; i++ {
			d := p.Backoff(attempt, rng)
			lo := time.Duration(base * (1 - p.JitterRatio))
			hi := time.Duration(base * (1 + p.JitterRatio))
			if d < lo || d > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func TestBackoffJitterRatioClamped(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, BackoffMultiplier: 2, MaxBackoff: time.Minute, JitterRatio: 5}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		d := p.Backoff(1, rng)
		if d < 100*time.Millisecond || d > 1900*time.Millisecond {
			t.Fatalf("clamped jitter produced %v", d)
		}
	}
}

func TestOutboxBackoffOneSided(t *testing.T) {
	p := DefaultRetryPolicy()
	rng := rand.New(rand.NewSource(1))
	for attempts := 0; attempts < 12; attempts++ {
		base := float64(p.InitialBackoff) * pow2(attempts)
		if base > float64(p.MaxBackoff) {
			base = float64(p.MaxBackoff)
		}
		d := p.OutboxBackoff(attempts, rng)
		if d < time.Duration(base) {
			t.Fatalf("attempts %d: one-sided jitter went below base: %v < %v", attempts, d, time.Duration(base))
		}
		if d > time.Duration(base*(1+p.JitterRatio)) {
			t.Fatalf("attempts %d: jitter above bound: %v", attempts, d)
		}
	}
}

func TestPublishRetriesTransientFailure(t *testing.T) {
	bus := &fakeBus{failures: 2, err: Retriable(errors.New("broker unavailable"))}
	sleep, slept := noSleep(t)
	p := NewProducer(bus, DefaultRetryPolicy(), time.Second).
		WithSleeper(sleep).
		WithRand(rand.New(rand.NewSource(3)))

	res, err := p.Publish(context.Background(), "orders.created", "k1", []byte(`{}`), PublishOptions{
		Tenant:        acme,
		EntityVersion: 7,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}

	recs := bus.records()
	if len(recs) != 1 {
		t.Fatalf("sent %d records", len(recs))
	}
	h := recs[0].Headers
	if got, _ := h.GetString(header.KeyTenantID); got != "acme" {
		t.Fatalf("tenant header = %q", got)
	}
	if got, _ := h.GetString(header.KeyProducerAttempt); got != "3" {
		t.Fatalf("producer attempt = %q", got)
	}
	if _, err := h.GetUUID(header.KeyEventID); err != nil {
		t.Fatalf("event id header: %v", err)
	}
	if v, err := h.GetInt64(header.KeyEntityVersion); err != nil || v != 7 {
		t.Fatalf("entity version = %d, %v", v, err)
	}
}

func TestPublishNonRetriableFailsFast(t *testing.T) {
	bus := &fakeBus{failures: 10, err: errors.New("invalid payload")}
	sleep, slept := noSleep(t)
	p := NewProducer(bus, DefaultRetryPolicy(), time.Second).WithSleeper(sleep)

	_, err := p.Publish(context.Background(), "orders.created", "k", nil, PublishOptions{Tenant: acme})
	if err == nil {
		t.Fatal("want error")
	}
	if len(*slept) != 0 {
		t.Fatalf("non-retriable error must not back off, slept %d times", len(*slept))
	}
}

func TestPublishFiltersUnsafeExtraHeaders(t *testing.T) {
	bus := &fakeBus{}
	p := NewProducer(bus, DefaultRetryPolicy(), time.Second)

	extra := make(header.Headers)
	_ = extra.SetString("x-order-channel", "web")
	_ = extra.SetString("internal-secret", "hunter2")

	if _, err := p.Publish(context.Background(), "t", "k", nil, PublishOptions{Tenant: acme, Extra: extra}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	h := bus.records()[0].Headers
	if _, ok := h.GetString("x-order-channel"); !ok {
		t.Fatal("safe extra header dropped")
	}
	if _, ok := h.GetString("internal-secret"); ok {
		t.Fatal("unsafe extra header propagated")
	}
}

func TestPublishAsyncPreservesTenant(t *testing.T) {
	bus := &fakeBus{}
	p := NewProducer(bus, DefaultRetryPolicy(), time.Second)

	ctx, scope := tenant.Open(context.Background(), acme)
	defer scope.Close()

	res := <-p.PublishAsync(ctx, "t", "k", nil, PublishOptions{Tenant: acme})
	if res.Err != nil {
		t.Fatalf("async publish: %v", res.Err)
	}
	if res.Result.EventID == uuid.Nil {
		t.Fatal("missing event id")
	}
}

func drainClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func enqueueOne(t *testing.T, store *MemoryOutboxStore) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.Enqueue(context.Background(), OutboxRecord{
		ID:      id,
		Tenant:  acme,
		Topic:   "orders.created",
		Key:     "o-1",
		Payload: []byte(`{"id":"o-1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestDrainPublishesPendingRows(t *testing.T) {
	clock, _ := drainClock(time.UnixMilli(1700000000000))
	store := NewMemoryOutboxStore().WithClock(clock)
	bus := &fakeBus{}
	d := NewDrainer(store, bus, DefaultDrainerConfig()).WithClock(clock)

	id := enqueueOne(t, store)
	stats, err := d.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Claimed != 1 || stats.Published != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	row, _ := store.Row(id)
	if row.Status != OutboxPublished {
		t.Fatalf("status = %s", row.Status)
	}
	h := bus.records()[0].Headers
	if got, _ := h.GetString(header.KeyTenantID); got != "acme" {
		t.Fatalf("tenant header = %q", got)
	}
}

func TestDrainReschedulesOnSendFailure(t *testing.T) {
	clock, advance := drainClock(time.UnixMilli(1700000000000))
	store := NewMemoryOutboxStore().WithClock(clock)
	bus := &fakeBus{failures: 1, err: errors.New("broker down")}
	d := NewDrainer(store, bus, DefaultDrainerConfig()).
		WithClock(clock).
		WithRand(rand.New(rand.NewSource(9)))

	id := enqueueOne(t, store)
	stats, err := d.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Rescheduled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	row, _ := store.Row(id)
	if row.Status != OutboxPending || row.Attempts != 1 || row.LastError == "" {
		t.Fatalf("row = %+v", row)
	}
	if !row.AvailableAt.After(clock()) {
		t.Fatalf("availableAt %v not in the future", row.AvailableAt)
	}

	// Not due yet, so an immediate pass claims nothing.
	stats, _ = d.DrainOnce(context.Background())
	if stats.Claimed != 0 {
		t.Fatalf("claimed before availableAt: %+v", stats)
	}

	advance(time.Hour)
	stats, _ = d.DrainOnce(context.Background())
	if stats.Published != 1 {
		t.Fatalf("retry pass = %+v", stats)
	}
}

func TestDrainQuarantinesAtThreshold(t *testing.T) {
	clock, advance := drainClock(time.UnixMilli(1700000000000))
	store := NewMemoryOutboxStore().WithClock(clock)
	bus := &fakeBus{failures: 100, err: errors.New("broker down")}
	cfg := DefaultDrainerConfig()
	cfg.QuarantineThreshold = 3
	d := NewDrainer(store, bus, cfg).WithClock(clock).WithRand(rand.New(rand.NewSource(5)))

	id := enqueueOne(t, store)
	for i := 0; i < 3; i++ {
		if _, err := d.DrainOnce(context.Background()); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		advance(time.Hour)
	}
	row, _ := store.Row(id)
	if row.Status != OutboxQuarantined {
		t.Fatalf("status = %s after threshold", row.Status)
	}

	// Quarantined rows are never claimed again.
	stats, _ := d.DrainOnce(context.Background())
	if stats.Claimed != 0 {
		t.Fatalf("quarantined row reclaimed: %+v", stats)
	}
}

func TestMemoryOutboxClaimLeaseHidesRows(t *testing.T) {
	clock, advance := drainClock(time.UnixMilli(1700000000000))
	store := NewMemoryOutboxStore().WithClock(clock).WithClaimLease(30 * time.Second)
	enqueueOne(t, store)

	batch, err := store.ClaimBatch(context.Background(), clock(), 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("first claim = %d rows, %v", len(batch), err)
	}

	// A concurrent drainer sees nothing while the lease holds.
	again, err := store.ClaimBatch(context.Background(), clock(), 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("claimed a leased row: %d rows, %v", len(again), err)
	}

	// An expired lease makes the row due again, covering drainer crashes.
	advance(31 * time.Second)
	recovered, err := store.ClaimBatch(context.Background(), clock(), 10)
	if err != nil || len(recovered) != 1 {
		t.Fatalf("post-lease claim = %d rows, %v", len(recovered), err)
	}
}

func TestMemoryOutboxTerminalStateGuards(t *testing.T) {
	clock, _ := drainClock(time.UnixMilli(1700000000000))
	store := NewMemoryOutboxStore().WithClock(clock)

	quarantined := enqueueOne(t, store)
	if err := store.Quarantine(context.Background(), quarantined, clock(), "poison"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if err := store.Reschedule(context.Background(), quarantined, clock(), 1, "x"); !errors.Is(err, ErrOutboxRowGone) {
		t.Fatalf("quarantined row rescheduled: %v", err)
	}
	if err := store.MarkPublished(context.Background(), quarantined, clock()); !errors.Is(err, ErrOutboxRowGone) {
		t.Fatalf("quarantined row published: %v", err)
	}
	if row, _ := store.Row(quarantined); row.Status != OutboxQuarantined {
		t.Fatalf("status = %s", row.Status)
	}

	published := enqueueOne(t, store)
	if err := store.MarkPublished(context.Background(), published, clock()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.Quarantine(context.Background(), published, clock(), "x"); !errors.Is(err, ErrOutboxRowGone) {
		t.Fatalf("published row quarantined: %v", err)
	}
}

func TestMemoryOutboxRescheduleKeepsLeaseFloor(t *testing.T) {
	clock, _ := drainClock(time.UnixMilli(1700000000000))
	store := NewMemoryOutboxStore().WithClock(clock).WithClaimLease(30 * time.Second)
	id := enqueueOne(t, store)

	if _, err := store.ClaimBatch(context.Background(), clock(), 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// A backoff shorter than the lease must not make the row due early.
	early := clock().Add(200 * time.Millisecond)
	if err := store.Reschedule(context.Background(), id, early, 1, "broker down"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	row, _ := store.Row(id)
	if want := clock().Add(30 * time.Second); row.AvailableAt.Before(want) {
		t.Fatalf("availableAt = %v, before lease expiry %v", row.AvailableAt, want)
	}
}

func TestSweepPublishedHonorsRetention(t *testing.T) {
	clock, advance := drainClock(time.UnixMilli(1700000000000))
	store := NewMemoryOutboxStore().WithClock(clock)
	bus := &fakeBus{}
	d := NewDrainer(store, bus, DefaultDrainerConfig()).WithClock(clock)

	enqueueOne(t, store)
	if _, err := d.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	n, err := d.SweepPublished(context.Background(), 10)
	if err != nil || n != 0 {
		t.Fatalf("fresh sweep = %d, %v", n, err)
	}
	advance(48 * time.Hour)
	n, err = d.SweepPublished(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("aged sweep = %d, %v", n, err)
	}
}

func TestLastErrorTruncated(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncateError(string(long)); len(got) != maxLastErrorBytes {
		t.Fatalf("truncated to %d bytes", len(got))
	}
}

type countingCommitter struct{ commits int }

func (c *countingCommitter) Commit(context.Context, Record) error {
	c.commits++
	return nil
}

func consumedRecord() Record {
	h := make(header.Headers)
	_ = h.SetString(header.KeyTenantID, "acme")
	_ = h.SetString("internal-only", "nope")
	return Record{Topic: "orders.created", Key: "k", Value: []byte(`{}`), Headers: h}
}

func TestHandleSuccessCommits(t *testing.T) {
	dlq := &fakeBus{}
	committer := &countingCommitter{}
	h := NewErrorHandler(dlq, DefaultRetryPolicy())

	disp, err := h.Handle(context.Background(), consumedRecord(),
		func(context.Context, Record) error { return nil }, committer)
	if err != nil || disp != DispositionHandled {
		t.Fatalf("disp = %s, err = %v", disp, err)
	}
	if committer.commits != 1 {
		t.Fatalf("commits = %d", committer.commits)
	}
	if len(dlq.records()) != 0 {
		t.Fatal("unexpected dead letter")
	}
}

func TestHandleExhaustsRetriesThenRoutesToDLQ(t *testing.T) {
	dlq := &fakeBus{}
	committer := &countingCommitter{}
	sleep, slept := noSleep(t)
	h := NewErrorHandler(dlq, DefaultRetryPolicy()).
		WithSleeper(sleep).
		WithRand(rand.New(rand.NewSource(11))).
		WithClock(func() time.Time { return time.UnixMilli(1700000000000) })

	calls := 0
	disp, err := h.Handle(context.Background(), consumedRecord(),
		func(context.Context, Record) error {
			calls++
			return Retriable(errors.New("db timeout"))
		}, committer)
	if err != nil || disp != DispositionDLQ {
		t.Fatalf("disp = %s, err = %v", disp, err)
	}
	if calls != 5 || len(*slept) != 4 {
		t.Fatalf("calls = %d, sleeps = %d", calls, len(*slept))
	}
	if committer.commits != 1 {
		t.Fatalf("commits = %d", committer.commits)
	}

	recs := dlq.records()
	if len(recs) != 1 || recs[0].Topic != "orders.created.DLQ" {
		t.Fatalf("dlq records = %+v", recs)
	}
	hd := recs[0].Headers
	if got, _ := hd.GetString(header.KeyErrorClass); got != "retriable" {
		t.Fatalf("error class = %q", got)
	}
	if attempt, err := hd.GetInt32(header.KeyRetryAttempt); err != nil || attempt != 5 {
		t.Fatalf("retry attempt = %d, %v", attempt, err)
	}
	if _, err := hd.GetTimestamp(header.KeyQuarantinedAt); err != nil {
		t.Fatalf("quarantined-at: %v", err)
	}
	if got, _ := hd.GetString(header.KeyErrorStackHash); len(got) != 16 {
		t.Fatalf("stack hash = %q", got)
	}
	if _, ok := hd.GetString(header.KeyTenantID); !ok {
		t.Fatal("tenant header not carried to DLQ")
	}
	if _, ok := hd.GetString("internal-only"); ok {
		t.Fatal("unsafe header carried to DLQ")
	}
}

func TestHandleNonRetryableSkipsSchedule(t *testing.T) {
	dlq := &fakeBus{}
	sleep, slept := noSleep(t)
	h := NewErrorHandler(dlq, DefaultRetryPolicy()).WithSleeper(sleep)

	calls := 0
	disp, err := h.Handle(context.Background(), consumedRecord(),
		func(context.Context, Record) error {
			calls++
			return &DeserializationError{Err: errors.New("not json")}
		}, &countingCommitter{})
	if err != nil || disp != DispositionDLQ {
		t.Fatalf("disp = %s, err = %v", disp, err)
	}
	if calls != 1 || len(*slept) != 0 {
		t.Fatalf("calls = %d, sleeps = %d", calls, len(*slept))
	}
	hd := dlq.records()[0].Headers
	if got, _ := hd.GetString(header.KeyErrorClass); got != "deserialization" {
		t.Fatalf("error class = %q", got)
	}
}

func TestHandleDLQFailureLeavesOffsetUncommitted(t *testing.T) {
	dlq := &fakeBus{failures: 1, err: errors.New("dlq down")}
	committer := &countingCommitter{}
	h := NewErrorHandler(dlq, DefaultRetryPolicy())

	_, err := h.Handle(context.Background(), consumedRecord(),
		func(context.Context, Record) error {
			return &SchemaError{Err: errors.New("missing field")}
		}, committer)
	if err == nil {
		t.Fatal("want dlq publish error")
	}
	if committer.commits != 0 {
		t.Fatalf("commits = %d, offset must stay uncommitted", committer.commits)
	}
}

func TestStackHashStableAcrossGoroutines(t *testing.T) {
	hashFromGoroutine := func(cause error) string {
		dlq := &fakeBus{}
		h := NewErrorHandler(dlq, DefaultRetryPolicy())
		out := make(chan string, 1)
		go func() {
			_, _ = h.Handle(context.Background(), consumedRecord(),
				func(context.Context, Record) error { return cause }, nil)
			got, _ := dlq.records()[0].Headers.GetString(header.KeyErrorStackHash)
			out <- got
		}()
		return <-out
	}

	// The same failure site must group under one hash regardless of which
	// goroutine routed it or what the message said.
	first := hashFromGoroutine(&SchemaError{Err: errors.New("missing field")})
	if again := hashFromGoroutine(&SchemaError{Err: errors.New("different detail")}); again != first {
		t.Fatalf("same failure site hashed %q then %q", first, again)
	}
	if other := hashFromGoroutine(&DeserializationError{Err: errors.New("bad json")}); other == first {
		t.Fatalf("distinct error classes share hash %q", first)
	}
}

func TestRootClassUnwrapsToInnermost(t *testing.T) {
	inner := &DeserializationError{Err: errors.New("bad varint")}
	wrapped := Retriable(inner)
	if got := errorClass(wrapped); got != "deserialization" {
		t.Fatalf("errors.As finds inner class first: %q", got)
	}
	plain := errors.New("boom")
	if got := rootClass(Retriable(plain)); got != "retriable" {
		t.Fatalf("root class = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	if IsRetriable(Retriable(context.Canceled)) {
		t.Fatal("cancellation must not be retriable")
	}
	if !IsRetriable(Retriable(errors.New("io"))) {
		t.Fatal("wrapped transient not detected")
	}
	if IsRetriable(errors.New("io")) {
		t.Fatal("bare errors are not retriable")
	}
	for err, want := range map[error]string{
		&AuthorizationError{Err: errors.New("x")}:      "authorization",
		&UnsupportedVersionError{Err: errors.New("x")}: "unsupported-version",
		&InvalidTopicError{Err: errors.New("x")}:       "invalid-topic",
	} {
		if got := errorClass(err); got != want {
			t.Fatalf("errorClass = %q, want %q", got, want)
		}
		if !isNonRetryable(err) {
			t.Fatalf("%s must be non-retryable", want)
		}
	}
}
