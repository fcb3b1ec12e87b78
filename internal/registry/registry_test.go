package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(ttl, nil)
	s.now = clock.Now
	return s, clock
}

func TestStore_RegisterLookup(t *testing.T) {
	s, clock := newTestStore(0)
	bin := []byte{0x00, 0x61, 0x73, 0x6d}

	meta := s.Register(bin, "echo")
	if meta.Handle == uuid.Nil {
		t.Fatal("expected non-nil handle")
	}
	if meta.Name != "echo" || meta.Size != 4 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if !meta.CreatedAt.Equal(clock.Now()) {
		t.Errorf("expected CreatedAt %v, got %v", clock.Now(), meta.CreatedAt)
	}

	a, err := s.Lookup(meta.Handle)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(a.Binary) != string(bin) {
		t.Errorf("binary mismatch: %v", a.Binary)
	}
}

func TestStore_RegisterCopiesBinary(t *testing.T) {
	s, _ := newTestStore(0)
	bin := []byte("abc")

	meta := s.Register(bin, "copy")
	bin[0] = 'X'

	a, err := s.Lookup(meta.Handle)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(a.Binary) != "abc" {
		t.Errorf("store kept a reference to the caller's slice: %q", a.Binary)
	}
}

func TestStore_HandlesNeverReused(t *testing.T) {
	s, _ := newTestStore(0)
	seen := make(map[uuid.UUID]bool)

	for i := 0; i < 1000; i++ {
		meta := s.Register([]byte("same"), "same")
		if seen[meta.Handle] {
			t.Fatalf("handle %s reused", meta.Handle)
		}
		seen[meta.Handle] = true
	}
	if s.Len() != 1000 {
		t.Errorf("expected 1000 applets, got %d", s.Len())
	}
}

func TestStore_LookupUnknown(t *testing.T) {
	s, _ := newTestStore(0)
	handle := uuid.New()

	_, err := s.Lookup(handle)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Handle != handle {
		t.Fatalf("expected NotFoundError for %s, got %v", handle, err)
	}
	want := "Applet not found for UUID: " + handle.String()
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestStore_TTLDisabled(t *testing.T) {
	s, clock := newTestStore(0)
	meta := s.Register([]byte("x"), "x")

	clock.Advance(24 * time.Hour)

	if _, err := s.Lookup(meta.Handle); err != nil {
		t.Fatalf("expected applet to survive with ttl disabled: %v", err)
	}
	if expired := s.Expire(); len(expired) != 0 {
		t.Errorf("expected nothing expired, got %v", expired)
	}
}

func TestStore_LazyExpiry(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	var removed []uuid.UUID
	s.OnRemove(func(h uuid.UUID) { removed = append(removed, h) })

	meta := s.Register([]byte("x"), "x")

	clock.Advance(30 * time.Second)
	if _, err := s.Lookup(meta.Handle); err != nil {
		t.Fatalf("lookup within ttl: %v", err)
	}

	// Lookup refreshed access time, so another 45s is still within ttl.
	clock.Advance(45 * time.Second)
	if err := s.Touch(meta.Handle); err != nil {
		t.Fatalf("touch within ttl: %v", err)
	}

	clock.Advance(61 * time.Second)
	if _, err := s.Lookup(meta.Handle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired applet to be not found, got %v", err)
	}
	if len(removed) != 1 || removed[0] != meta.Handle {
		t.Errorf("expected remove callback for %s, got %v", meta.Handle, removed)
	}
	if s.Len() != 0 {
		t.Errorf("expected store to be empty, got %d", s.Len())
	}
}

func TestStore_ExpireSkipsPinned(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	pinned := s.Register([]byte("p"), "pinned", Pinned())
	transient := s.Register([]byte("t"), "transient")

	clock.Advance(2 * time.Minute)
	expired := s.Expire()

	if len(expired) != 1 || expired[0] != transient.Handle {
		t.Fatalf("expected only %s to expire, got %v", transient.Handle, expired)
	}
	if _, err := s.Lookup(pinned.Handle); err != nil {
		t.Errorf("pinned applet expired: %v", err)
	}
}

func TestStore_Remove(t *testing.T) {
	s, _ := newTestStore(0)
	var removed int
	s.OnRemove(func(uuid.UUID) { removed++ })
	meta := s.Register([]byte("x"), "x")

	if !s.Remove(meta.Handle) {
		t.Fatal("expected Remove to report presence")
	}
	if s.Remove(meta.Handle) {
		t.Error("expected second Remove to report absence")
	}
	if removed != 1 {
		t.Errorf("expected 1 remove callback, got %d", removed)
	}
}

func TestStore_ListOldestFirst(t *testing.T) {
	s, clock := newTestStore(0)
	first := s.Register([]byte("1"), "first")
	clock.Advance(time.Second)
	second := s.Register([]byte("2"), "second")

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[0].Handle != first.Handle || list[1].Handle != second.Handle {
		t.Errorf("unexpected order: %v", list)
	}
}

func TestStore_Metadata(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	meta := s.Register([]byte("x"), "x")

	clock.Advance(30 * time.Second)
	got, err := s.Metadata(meta.Handle)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !got.LastAccess.Equal(meta.LastAccess) {
		t.Error("Metadata must not refresh access time")
	}
}

func TestStore_RunJanitor(t *testing.T) {
	s, clock := newTestStore(time.Millisecond)
	meta := s.Register([]byte("x"), "x")
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunJanitor(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("RunJanitor: %v", err)
	}
	if _, err := s.Metadata(meta.Handle); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected janitor to expire %s", meta.Handle)
	}
}

func TestStore_RunJanitorInvalidInterval(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	err := s.RunJanitor(context.Background(), 0)
	if err == nil || !strings.Contains(err.Error(), "interval") {
		t.Fatalf("expected interval error, got %v", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				meta := s.Register([]byte("c"), "c")
				if _, err := s.Lookup(meta.Handle); err != nil {
					t.Errorf("Lookup: %v", err)
					return
				}
				_ = s.List()
				s.Expire()
			}
		}()
	}
	wg.Wait()

	if s.Len() != 16*50 {
		t.Errorf("expected %d applets, got %d", 16*50, s.Len())
	}
}

func TestStore_OnExpireOnlyForExpiry(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	var expired, removed int
	s.OnExpire(func(uuid.UUID) { expired++ })
	s.OnRemove(func(uuid.UUID) { removed++ })

	gone := s.Register([]byte("x"), "removed")
	s.Remove(gone.Handle)

	stale := s.Register([]byte("y"), "stale")
	clock.Advance(2 * time.Minute)
	if _, err := s.Lookup(stale.Handle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale applet to be gone, got %v", err)
	}

	if expired != 1 {
		t.Errorf("expected 1 expiry callback, got %d", expired)
	}
	if removed != 2 {
		t.Errorf("expected 2 remove callbacks, got %d", removed)
	}
}
