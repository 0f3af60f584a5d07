package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Factory builds a fresh, unopened driver.
type Factory func() (Driver, error)

// Manager owns the single live session of the process and hands it out to one
// caller at a time. Waiting callers give up when their context ends.
type Manager struct {
	factory  Factory
	probeURL string
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu     sync.Mutex
	driver Driver
	closed bool
}

// NewManager returns a manager that creates drivers lazily through factory.
// probeURL is the page Probe loads to check the session is still logged in.
func NewManager(factory Factory, probeURL string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		probeURL: probeURL,
		logger:   logger,
		sem:      semaphore.NewWeighted(1),
	}
}

// Do runs fn with exclusive use of an open driver, opening one first if no
// session is live. A driver whose session expired or failed to authenticate is
// discarded so the next call starts over.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, d Driver) error) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	d, err := m.live(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, d)
	if discardable(err) {
		m.discard(d, err)
	}
	return err
}

// Probe checks the live session, if any, by loading the probe page. It never
// opens a new session.
func (m *Manager) Probe(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	d := m.driver
	m.mu.Unlock()
	if d == nil || m.probeURL == "" {
		return nil
	}

	if _, err := d.Navigate(ctx, m.probeURL); err != nil {
		if discardable(err) {
			m.discard(d, err)
		}
		return fmt.Errorf("session: probe: %w", err)
	}
	m.logger.Debug("session probe ok", "url", m.probeURL)
	return nil
}

// Live reports whether an open session is currently held.
func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver != nil
}

// Close waits for the current holder (until ctx ends) and releases the live
// session. Later calls to Do fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	acquired := m.sem.Acquire(ctx, 1) == nil
	if acquired {
		defer m.sem.Release(1)
	} else {
		m.logger.Warn("closing session while still in use")
	}

	m.mu.Lock()
	d := m.driver
	m.driver = nil
	m.closed = true
	m.mu.Unlock()

	if d == nil {
		return nil
	}
	return d.Close()
}

func (m *Manager) live(ctx context.Context) (Driver, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	d := m.driver
	m.mu.Unlock()
	if d != nil {
		return d, nil
	}

	d, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("session: create driver: %w", err)
	}
	if err := d.Open(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = d.Close()
		return nil, ErrClosed
	}
	m.driver = d
	return d, nil
}

func (m *Manager) discard(d Driver, cause error) {
	m.mu.Lock()
	if m.driver == d {
		m.driver = nil
	}
	m.mu.Unlock()

	m.logger.Warn("discarding session", "reason", cause)
	if err := d.Close(); err != nil {
		m.logger.Error("closing discarded session", "err", err)
	}
}

func discardable(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrClosed)
}
