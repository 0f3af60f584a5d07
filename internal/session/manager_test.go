package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/prospector/internal/page"
)

type fakeDriver struct {
	openErr  error
	navErr   error
	hold     time.Duration
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32

	mu     sync.Mutex
	opens  int
	closes int
}

func (f *fakeDriver) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) (*page.Page, error) {
	if f.inFlight != nil {
		n := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			seen := f.maxSeen.Load()
			if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
	}
	time.Sleep(f.hold)
	if f.navErr != nil {
		return nil, f.navErr
	}
	return &page.Page{URL: url, StatusCode: 200, Body: []byte("<html></html>")}, nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type factoryRecorder struct {
	mu      sync.Mutex
	drivers []*fakeDriver
	next    func() *fakeDriver
}

func (r *factoryRecorder) factory() (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.next()
	r.drivers = append(r.drivers, d)
	return d, nil
}

func (r *factoryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drivers)
}

func navigate(url string) func(context.Context, Driver) error {
	return func(ctx context.Context, d Driver) error {
		_, err := d.Navigate(ctx, url)
		return err
	}
}

func TestManager_ReusesSession(t *testing.T) {
	rec := &factoryRecorder{next: func() *fakeDriver { return &fakeDriver{} }}
	m := NewManager(rec.factory, "https://example.com/feed/", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Do(ctx, navigate("https://example.com/in/a")); err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}
	}
	if rec.count() != 1 {
		t.Errorf("expected one driver for three runs, got %d", rec.count())
	}
	if rec.drivers[0].opens != 1 {
		t.Errorf("expected one open, got %d", rec.drivers[0].opens)
	}
	if !m.Live() {
		t.Errorf("expected a live session")
	}

	if err := m.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if rec.drivers[0].closes != 1 {
		t.Errorf("expected driver closed on shutdown, got %d closes", rec.drivers[0].closes)
	}
	if err := m.Do(ctx, navigate("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestManager_SerializesCallers(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	shared := &fakeDriver{hold: 10 * time.Millisecond, inFlight: &inFlight, maxSeen: &maxSeen}
	rec := &factoryRecorder{next: func() *fakeDriver { return shared }}
	m := NewManager(rec.factory, "", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Do(context.Background(), navigate("https://example.com/in/a")); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("expected navigations to be serialized, saw %d at once", maxSeen.Load())
	}
}

func TestManager_WaitHonoursContext(t *testing.T) {
	rec := &factoryRecorder{next: func() *fakeDriver { return &fakeDriver{hold: 200 * time.Millisecond} }}
	m := NewManager(rec.factory, "", nil)

	started := make(chan struct{})
	go func() {
		_ = m.Do(context.Background(), func(ctx context.Context, d Driver) error {
			close(started)
			_, err := d.Navigate(ctx, "slow")
			return err
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Do(ctx, navigate("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected waiting caller to give up, got %v", err)
	}
}

func TestManager_DiscardsExpiredSession(t *testing.T) {
	first := true
	rec := &factoryRecorder{next: func() *fakeDriver {
		if first {
			first = false
			return &fakeDriver{navErr: ErrSessionExpired}
		}
		return &fakeDriver{}
	}}
	m := NewManager(rec.factory, "", nil)
	ctx := context.Background()

	if err := m.Do(ctx, navigate("x")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if m.Live() {
		t.Errorf("expected expired session to be discarded")
	}
	if rec.drivers[0].closes != 1 {
		t.Errorf("expected discarded driver to be closed")
	}

	if err := m.Do(ctx, navigate("x")); err != nil {
		t.Fatalf("expected fresh session to work, got %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("expected a second driver, got %d", rec.count())
	}
}

func TestManager_KeepsSessionOnRecoverableError(t *testing.T) {
	rec := &factoryRecorder{next: func() *fakeDriver { return &fakeDriver{navErr: ErrTargetUnreachable} }}
	m := NewManager(rec.factory, "", nil)

	if err := m.Do(context.Background(), navigate("x")); !errors.Is(err, ErrTargetUnreachable) {
		t.Fatalf("expected ErrTargetUnreachable, got %v", err)
	}
	if !m.Live() {
		t.Errorf("a single unreachable page must not discard the session")
	}
}

func TestManager_OpenFailure(t *testing.T) {
	rec := &factoryRecorder{next: func() *fakeDriver { return &fakeDriver{openErr: ErrAuthFailed} }}
	m := NewManager(rec.factory, "", nil)

	called := false
	err := m.Do(context.Background(), func(ctx context.Context, d Driver) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if called {
		t.Errorf("fn must not run without an open session")
	}
	if m.Live() {
		t.Errorf("failed driver must not be kept")
	}
	if rec.drivers[0].closes != 1 {
		t.Errorf("failed driver must be closed")
	}
}

func TestManager_Probe(t *testing.T) {
	drv := &fakeDriver{}
	rec := &factoryRecorder{next: func() *fakeDriver { return drv }}
	m := NewManager(rec.factory, "https://example.com/feed/", nil)
	ctx := context.Background()

	if err := m.Probe(ctx); err != nil {
		t.Fatalf("probe without a session should be a no-op, got %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("probe must not open a session")
	}

	if err := m.Do(ctx, navigate("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drv.navErr = ErrSessionExpired
	if err := m.Probe(ctx); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected probe to report expiry, got %v", err)
	}
	if m.Live() {
		t.Errorf("expected probe to discard the expired session")
	}
}
