package stepup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/tenant"
)

// ErrNotFound is returned for unknown challenge, ticket, or approval ids.
var ErrNotFound = errors.New("stepup: not found")

// ErrStateConflict is returned when a CAS state transition loses.
var ErrStateConflict = errors.New("stepup: state conflict")

// Store is the durability SPI for the step-up workflows.
type Store interface {
	InsertChallenge(ctx context.Context, c Challenge) error
	FindChallenge(ctx context.Context, t tenant.ID, id uuid.UUID) (Challenge, error)
	FindChallengeByKey(ctx context.Context, t tenant.ID, user, idempotencyKey string) (Challenge, bool, error)
	// TransitionChallenge moves the state only when the current state
	// matches from.
	TransitionChallenge(ctx context.Context, t tenant.ID, id uuid.UUID, from, to string) error

	InsertTicket(ctx context.Context, tk Ticket) error
	FindActiveTicket(ctx context.Context, t tenant.ID, user string, now time.Time) (Ticket, bool, error)
	RevokeTicket(ctx context.Context, token string) error

	InsertApproval(ctx context.Context, a Approval) error
	FindApproval(ctx context.Context, t tenant.ID, id uuid.UUID) (Approval, error)
	FindApprovalByKey(ctx context.Context, t tenant.ID, requester, idempotencyKey string) (Approval, bool, error)
	UpdateApproval(ctx context.Context, a Approval) error

	// SweepExpired deletes expired challenges, tickets, and approvals.
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// MemoryStore is the in-process reference store.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[uuid.UUID]*Challenge
	tickets    map[string]*Ticket
	approvals  map[uuid.UUID]*Approval
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[uuid.UUID]*Challenge),
		tickets:    make(map[string]*Ticket),
		approvals:  make(map[uuid.UUID]*Approval),
	}
}

func (s *MemoryStore) InsertChallenge(_ context.Context, c Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := c
	stored.Attrs = copyAttrs(c.Attrs)
	s.challenges[c.ID] = &stored
	return nil
}

func (s *MemoryStore) FindChallenge(_ context.Context, t tenant.ID, id uuid.UUID) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || c.Tenant != t {
		return Challenge{}, ErrNotFound
	}
	out := *c
	out.Attrs = copyAttrs(c.Attrs)
	return out, nil
}

func (s *MemoryStore) FindChallengeByKey(_ context.Context, t tenant.ID, user, key string) (Challenge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.challenges {
		if c.Tenant == t && c.UserID == user && c.IdempotencyKey == key {
			out := *c
			out.Attrs = copyAttrs(c.Attrs)
			return out, true, nil
		}
	}
	return Challenge{}, false, nil
}

func (s *MemoryStore) TransitionChallenge(_ context.Context, t tenant.ID, id uuid.UUID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || c.Tenant != t {
		return ErrNotFound
	}
	if c.State != from {
		return ErrStateConflict
	}
	c.State = to
	return nil
}

func (s *MemoryStore) InsertTicket(_ context.Context, tk Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := tk
	stored.Attrs = copyAttrs(tk.Attrs)
	s.tickets[tk.Token] = &stored
	return nil
}

func (s *MemoryStore) FindActiveTicket(_ context.Context, t tenant.ID, user string, now time.Time) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Ticket
	for _, tk := range s.tickets {
		if tk.Tenant != t || tk.UserID != user || !tk.Active(now) {
			continue
		}
		if best == nil || tk.ExpiresAt.After(best.ExpiresAt) {
			best = tk
		}
	}
	if best == nil {
		return Ticket{}, false, nil
	}
	out := *best
	out.Attrs = copyAttrs(best.Attrs)
	return out, true, nil
}

func (s *MemoryStore) RevokeTicket(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.tickets[token]
	if !ok {
		return ErrNotFound
	}
	tk.Revoked = true
	return nil
}

func (s *MemoryStore) InsertApproval(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := a
	s.approvals[a.ID] = &stored
	return nil
}

func (s *MemoryStore) FindApproval(_ context.Context, t tenant.ID, id uuid.UUID) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok || a.Tenant != t {
		return Approval{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) FindApprovalByKey(_ context.Context, t tenant.ID, requester, key string) (Approval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.Tenant == t && a.Requester == requester && a.IdempotencyKey == key {
			return *a, true, nil
		}
	}
	return Approval{}, false, nil
}

func (s *MemoryStore) UpdateApproval(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ID]; !ok {
		return ErrNotFound
	}
	stored := a
	s.approvals[a.ID] = &stored
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.challenges {
		if c.Expired(now) {
			delete(s.challenges, id)
			if n++; limit > 0 && n >= limit {
				return n, nil
			}
		}
	}
	for token, tk := range s.tickets {
		if !now.Before(tk.ExpiresAt) {
			delete(s.tickets, token)
			if n++; limit > 0 && n >= limit {
				return n, nil
			}
		}
	}
	for id, a := range s.approvals {
		if a.Expired(now) {
			delete(s.approvals, id)
			if n++; limit > 0 && n >= limit {
				return n, nil
			}
		}
	}
	return n, nil
}
