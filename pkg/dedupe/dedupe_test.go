package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

var acme = tenant.MustParse("acme")

func fixedNow() time.Time { return time.UnixMilli(1700000000000) }

func newService(store Store, cache HotPathCache) *Service {
	provider := NewStaticPolicyProvider(DefaultPolicy())
	return NewService(store, cache, provider, MinTTL).WithClock(fixedNow)
}

func TestFirstSeenThenDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(fixedNow)
	svc := newService(store, nil)

	check := Check{Tenant: acme, EventID: "E1", Version: 3, EventTs: fixedNow(), Family: "orders"}
	if got := svc.CheckAndMark(ctx, check); got != AcceptFirstSeen {
		t.Fatalf("first = %s", got)
	}
	if got := svc.CheckAndMark(ctx, check); got != Duplicate {
		t.Fatalf("second = %s", got)
	}
	row, ok := store.Row(Triplet{Tenant: acme, EventID: "E1", Version: 3})
	if !ok || row.SeenCount != 2 {
		t.Fatalf("row = %+v, ok=%v", row, ok)
	}
}

func TestFenceOrder(t *testing.T) {
	ctx := context.Background()
	provider := NewStaticPolicyProvider(ReplayPolicy{
		MinAcceptedVersion: 5,
		ReplayWindow:       10 * 24 * time.Hour,
		MaxFutureSkew:      5 * time.Minute,
	})
	svc := NewService(NewMemoryStore().WithClock(fixedNow), nil, provider, MinTTL).WithClock(fixedNow)

	// Version fence fires first even when the timestamp is also bad.
	tooOldVersionAndTime := Check{
		Tenant: acme, EventID: "E1", Version: 2,
		EventTs: fixedNow().Add(-30 * 24 * time.Hour),
	}
	if got := svc.CheckAndMark(ctx, tooOldVersionAndTime); got != QuarantineTooOldVersion {
		t.Fatalf("version fence = %s", got)
	}

	// Future skew beats the replay window.
	future := Check{Tenant: acme, EventID: "E2", Version: 9, EventTs: fixedNow().Add(10 * time.Minute)}
	if got := svc.CheckAndMark(ctx, future); got != QuarantineFutureSkew {
		t.Fatalf("future fence = %s", got)
	}

	old := Check{Tenant: acme, EventID: "E3", Version: 9, EventTs: fixedNow().Add(-14 * 24 * time.Hour)}
	if got := svc.CheckAndMark(ctx, old); got != QuarantineOutsideReplayWindow {
		t.Fatalf("window fence = %s", got)
	}
}

func TestOperatorReplayBypassesWindowOnly(t *testing.T) {
	ctx := context.Background()
	svc := newService(NewMemoryStore().WithClock(fixedNow), nil)

	old := Check{
		Tenant: acme, EventID: "E1", Version: 3,
		EventTs:        fixedNow().Add(-14 * 24 * time.Hour),
		Family:         "orders",
		OperatorReplay: true,
	}
	if got := svc.CheckAndMark(ctx, old); got != AcceptFirstSeen {
		t.Fatalf("operator replay = %s", got)
	}
	if got := svc.CheckAndMark(ctx, old); got != Duplicate {
		t.Fatalf("operator replay retry = %s", got)
	}

	// The future-skew fence still applies to operator replays.
	future := old
	future.EventID = "E2"
	future.EventTs = fixedNow().Add(time.Hour)
	if got := svc.CheckAndMark(ctx, future); got != QuarantineFutureSkew {
		t.Fatalf("operator future skew = %s", got)
	}
}

type failingStore struct{}

func (failingStore) Insert(context.Context, Triplet, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (failingStore) Bump(context.Context, Triplet) error { return errors.New("connection refused") }
func (failingStore) Sweep(context.Context, int) (int, error) {
	return 0, errors.New("connection refused")
}

func TestStoreErrorFailsClosed(t *testing.T) {
	svc := newService(failingStore{}, nil)
	check := Check{Tenant: acme, EventID: "E1", Version: 1, EventTs: fixedNow()}
	if got := svc.CheckAndMark(context.Background(), check); got != QuarantineStoreError {
		t.Fatalf("store error = %s, must never accept", got)
	}
}

type failingCache struct{}

func (failingCache) SetNX(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestCacheErrorIsBestEffort(t *testing.T) {
	store := NewMemoryStore().WithClock(fixedNow)
	svc := newService(store, failingCache{})
	check := Check{Tenant: acme, EventID: "E1", Version: 1, EventTs: fixedNow()}
	if got := svc.CheckAndMark(context.Background(), check); got != AcceptFirstSeen {
		t.Fatalf("cache failure must fall through to the store, got %s", got)
	}
}

func TestCacheHitShortCircuitsAndBumps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(fixedNow)
	cache := NewMemoryCache().WithClock(fixedNow)
	svc := newService(store, cache)

	check := Check{Tenant: acme, EventID: "E1", Version: 1, EventTs: fixedNow()}
	if got := svc.CheckAndMark(ctx, check); got != AcceptFirstSeen {
		t.Fatalf("first = %s", got)
	}
	if got := svc.CheckAndMark(ctx, check); got != Duplicate {
		t.Fatalf("cache hit = %s", got)
	}
	// The short-circuit still bumps the primary store's seen count.
	row, _ := store.Row(Triplet{Tenant: acme, EventID: "E1", Version: 1})
	if row.SeenCount != 2 {
		t.Fatalf("seenCount = %d", row.SeenCount)
	}
}

func TestPolicyOverridePerTenantFamily(t *testing.T) {
	ctx := context.Background()
	provider := NewStaticPolicyProvider(DefaultPolicy()).
		Override(acme, "payments", ReplayPolicy{MinAcceptedVersion: 100, ReplayWindow: time.Hour, MaxFutureSkew: time.Minute})
	svc := NewService(NewMemoryStore().WithClock(fixedNow), nil, provider, MinTTL).WithClock(fixedNow)

	payments := Check{Tenant: acme, EventID: "E1", Version: 50, EventTs: fixedNow(), Family: "payments"}
	if got := svc.CheckAndMark(ctx, payments); got != QuarantineTooOldVersion {
		t.Fatalf("override = %s", got)
	}
	orders := payments
	orders.Family = "orders"
	if got := svc.CheckAndMark(ctx, orders); got != AcceptFirstSeen {
		t.Fatalf("base policy = %s", got)
	}
}

func TestMissingEventTsSkipsTimeFences(t *testing.T) {
	svc := newService(NewMemoryStore().WithClock(fixedNow), nil)
	check := Check{Tenant: acme, EventID: "E1", Version: 1}
	if got := svc.CheckAndMark(context.Background(), check); got != AcceptFirstSeen {
		t.Fatalf("no timestamp = %s", got)
	}
}

func TestStoreSweep(t *testing.T) {
	ctx := context.Background()
	now := fixedNow()
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	_, _ = store.Insert(ctx, Triplet{Tenant: acme, EventID: "E1", Version: 1}, time.Hour)
	_, _ = store.Insert(ctx, Triplet{Tenant: acme, EventID: "E2", Version: 1}, time.Hour)

	now = now.Add(2 * time.Hour)
	n, err := store.Sweep(ctx, 10)
	if err != nil || n != 2 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
}

func TestOutcomeClassification(t *testing.T) {
	for o, want := range map[Outcome]bool{
		AcceptFirstSeen:               false,
		Duplicate:                     false,
		QuarantineTooOldVersion:       true,
		QuarantineOutsideReplayWindow: true,
		QuarantineFutureSkew:          true,
		QuarantineStoreError:          true,
	} {
		if o.IsQuarantine() != want {
			t.Fatalf("IsQuarantine(%s) = %v", o, !want)
		}
	}
}
