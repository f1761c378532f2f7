package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/bqagent/internal/domain"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[domain.SessionKey]*domain.Session
	listErr  error
	creates  int
	// hideFromList makes ListSessions miss existing rows to force a create race.
	hideFromList bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[domain.SessionKey]*domain.Session)}
}

func (f *fakeRepo) ListSessions(_ context.Context, appName, userID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.hideFromList {
		return nil, nil
	}
	var out []*domain.Session
	for k, s := range f.sessions {
		if k.AppName == appName && k.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetSession(_ context.Context, key domain.SessionKey) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[key], nil
}

func (f *fakeRepo) CreateSession(_ context.Context, key domain.SessionKey, state map[string]any) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[key]; ok {
		return nil, domain.ErrSessionExists
	}
	f.creates++
	s := &domain.Session{AppName: key.AppName, UserID: key.UserID, ID: key.SessionID, State: state}
	f.sessions[key] = s
	return s, nil
}

func (f *fakeRepo) AppendEvent(context.Context, domain.SessionKey, *domain.Event) error { return nil }
func (f *fakeRepo) DeleteSession(context.Context, domain.SessionKey) error            { return nil }
func (f *fakeRepo) Ping(context.Context) error                                        { return nil }
func (f *fakeRepo) Close() error                                                      { return nil }

var key = domain.SessionKey{AppName: "icecream_shop_app", UserID: "sky_user", SessionID: "web-session-1"}

func TestEnsureSessionCreatesOnce(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := EnsureSession(ctx, repo, key, DefaultInitialState()); err != nil {
			t.Fatalf("EnsureSession call %d failed: %v", i, err)
		}
	}
	if repo.creates != 1 {
		t.Fatalf("expected one create, got %d", repo.creates)
	}
	if repo.sessions[key].State["user_name"] != "Sky" {
		t.Fatalf("unexpected initial state: %v", repo.sessions[key].State)
	}
}

func TestEnsureSessionTreatsCreateConflictAsSuccess(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	if _, err := repo.CreateSession(ctx, key, nil); err != nil {
		t.Fatal(err)
	}
	repo.hideFromList = true

	if err := EnsureSession(ctx, repo, key, DefaultInitialState()); err != nil {
		t.Fatalf("expected conflict to be ignored, got %v", err)
	}
}

func TestEnsureSessionPropagatesStoreErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.listErr = errors.New("database is locked")

	err := EnsureSession(context.Background(), repo, key, nil)
	if err == nil || !errors.Is(err, repo.listErr) {
		t.Fatalf("expected wrapped list error, got %v", err)
	}
}

func TestLockerSerializesSameKey(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, key)
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxActive)
	}
}

func TestLockerDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	other := key
	other.SessionID = "web-session-2"
	ctxB, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctxB, other)
	if err != nil {
		t.Fatalf("lock on other session should not block: %v", err)
	}
	unlockB()
}

func TestLockerHonoursContext(t *testing.T) {
	l := NewLocker()
	unlock, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func heldKeys(l *Locker) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func TestLockerForgetsReleasedKeys(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		k := key
		k.SessionID = fmt.Sprintf("client-%d", i)
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		unlock()
		unlock()
	}
	if n := heldKeys(l); n != 0 {
		t.Fatalf("locker still tracks %d keys after unlock", n)
	}

	unlock, err := l.Lock(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, key); err == nil {
		t.Fatal("expected second Lock to time out")
	}
	if n := heldKeys(l); n != 1 {
		t.Fatalf("held keys = %d while one holder remains", n)
	}
	unlock()
	if n := heldKeys(l); n != 0 {
		t.Fatalf("held keys = %d after the last holder left", n)
	}
}
