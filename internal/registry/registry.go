// Package registry stores applet binaries in memory, addressed by random
// 128-bit handles.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound matches any *NotFoundError.
var ErrNotFound = errors.New("applet not found")

// NotFoundError is returned for handles that were never registered or have
// expired.
type NotFoundError struct {
	Handle uuid.UUID
}

func (e *NotFoundError) Error() string {
	return "Applet not found for UUID: " + e.Handle.String()
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Metadata describes a stored applet.
type Metadata struct {
	Handle     uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	LastAccess time.Time `json:"lastAccess"`
	// Pinned applets never expire.
	Pinned bool `json:"pinned"`
}

// Applet is a stored binary plus its metadata. Binary must not be modified.
type Applet struct {
	Binary []byte
	Metadata
}

// Option configures a registration.
type Option func(*Metadata)

// Pinned exempts the applet from expiry.
func Pinned() Option {
	return func(m *Metadata) { m.Pinned = true }
}

// Store is a concurrency-safe in-memory applet store.
//
// With a non-zero TTL, unpinned applets that have not been looked up for
// longer than the TTL are treated as absent and removed by Expire.
type Store struct {
	mu      sync.Mutex
	applets map[uuid.UUID]*Applet
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	onRemove []func(uuid.UUID)
	onExpire []func(uuid.UUID)
}

// New creates an empty store. ttl <= 0 disables expiry.
func New(ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		applets: make(map[uuid.UUID]*Applet),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// OnRemove registers fn to be called with the handle of every applet removed
// from the store. Must be called before the store is shared.
func (s *Store) OnRemove(fn func(uuid.UUID)) {
	s.onRemove = append(s.onRemove, fn)
}

// OnExpire registers fn to be called with the handle of every applet removed
// because it expired, before the OnRemove callbacks. Must be called before
// the store is shared.
func (s *Store) OnExpire(fn func(uuid.UUID)) {
	s.onExpire = append(s.onExpire, fn)
}

// Register stores a copy of binary under a new random handle.
func (s *Store) Register(binary []byte, name string, opts ...Option) Metadata {
	now := s.now()
	a := &Applet{
		Binary: append([]byte(nil), binary...),
		Metadata: Metadata{
			Handle:     uuid.New(),
			Name:       name,
			Size:       len(binary),
			CreatedAt:  now,
			LastAccess: now,
		},
	}
	for _, opt := range opts {
		opt(&a.Metadata)
	}

	s.mu.Lock()
	s.applets[a.Handle] = a
	s.mu.Unlock()

	return a.Metadata
}

// Lookup returns the applet for handle and refreshes its last access time.
func (s *Store) Lookup(handle uuid.UUID) (Applet, error) {
	var out Applet
	err := s.access(handle, func(a *Applet) { out = *a })
	return out, err
}

// Touch refreshes the last access time of handle, failing like Lookup if it
// is absent or expired.
func (s *Store) Touch(handle uuid.UUID) error {
	return s.access(handle, nil)
}

func (s *Store) access(handle uuid.UUID, fn func(*Applet)) error {
	s.mu.Lock()
	a, ok := s.applets[handle]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{Handle: handle}
	}
	now := s.now()
	if s.expired(a, now) {
		delete(s.applets, handle)
		s.mu.Unlock()
		s.expire(handle)
		return &NotFoundError{Handle: handle}
	}
	a.LastAccess = now
	if fn != nil {
		fn(a)
	}
	s.mu.Unlock()
	return nil
}

// Metadata returns the metadata for handle without refreshing access time.
func (s *Store) Metadata(handle uuid.UUID) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.applets[handle]
	if !ok {
		return Metadata{}, &NotFoundError{Handle: handle}
	}
	return a.Metadata, nil
}

// List returns metadata for every stored applet, oldest first.
func (s *Store) List() []Metadata {
	s.mu.Lock()
	out := make([]Metadata, 0, len(s.applets))
	for _, a := range s.applets {
		out = append(out, a.Metadata)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of stored applets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applets)
}

// Remove deletes handle. It reports whether the handle was present.
func (s *Store) Remove(handle uuid.UUID) bool {
	s.mu.Lock()
	_, ok := s.applets[handle]
	delete(s.applets, handle)
	s.mu.Unlock()

	if ok {
		s.removed(handle)
	}
	return ok
}

// Expire removes every expired applet and returns their handles.
func (s *Store) Expire() []uuid.UUID {
	if s.ttl <= 0 {
		return nil
	}

	now := s.now()
	var expired []uuid.UUID
	s.mu.Lock()
	for handle, a := range s.applets {
		if s.expired(a, now) {
			delete(s.applets, handle)
			expired = append(expired, handle)
		}
	}
	s.mu.Unlock()

	for _, handle := range expired {
		s.expire(handle)
	}
	return expired
}

// RunJanitor calls Expire every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if s.ttl <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		return fmt.Errorf("janitor interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Expire()
		}
	}
}

func (s *Store) expired(a *Applet, now time.Time) bool {
	return s.ttl > 0 && !a.Pinned && now.Sub(a.LastAccess) > s.ttl
}

func (s *Store) expire(handle uuid.UUID) {
	s.logger.Info("applet expired", "applet", handle.String())
	for _, fn := range s.onExpire {
		fn(handle)
	}
	s.removed(handle)
}

func (s *Store) removed(handle uuid.UUID) {
	for _, fn := range s.onRemove {
		fn(handle)
	}
}
