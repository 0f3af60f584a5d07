package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a profile or user does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateEmail is returned by CreateUser for an email already taken.
	ErrDuplicateEmail = errors.New("storage: email already registered")
)

// User is an operator account of the API.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"hashed_password"`
	CreatedAt      time.Time `json:"created_at"`
}

// Filter allows querying for stored profiles. Results are newest first.
type Filter struct {
	ProfileURL string
	Since      *time.Time
	Limit      int
	Offset     int
}

// Backend is the document store for users and profile records.
type Backend interface {
	// SaveProfiles assigns IDs and stores the batch in one transaction: either
	// every record is stored or none is.
	SaveProfiles(ctx context.Context, records []*profile.Record) error
	GetProfile(ctx context.Context, id string) (*profile.Record, error)
	QueryProfiles(ctx context.Context, filter Filter) ([]*profile.Record, error)
	// CreateUser assigns an ID and creation time. Emails are unique.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, email string) (*User, error)
	Close() error
}

// PrepareProfiles assigns a fresh ID to every record and normalizes it so
// backends store complete documents.
func PrepareProfiles(records []*profile.Record, now time.Time) error {
	for i, r := range records {
		if r == nil {
			return fmt.Errorf("storage: record %d is nil", i)
		}
		r.ID = uuid.New().String()
		if r.ScrapedAt.IsZero() {
			r.ScrapedAt = now
		}
		r.ScrapedAt = r.ScrapedAt.UTC()
		r.Normalize()
	}
	return nil
}

// PrepareUser validates u and fills the generated fields.
func PrepareUser(u *User, now time.Time) error {
	if u == nil {
		return errors.New("storage: nil user")
	}
	u.Email = NormalizeEmail(u.Email)
	if u.Email == "" || u.HashedPassword == "" {
		return errors.New("storage: user needs an email and a password hash")
	}
	u.ID = uuid.New().String()
	u.CreatedAt = now.UTC()
	return nil
}

// NormalizeEmail is the form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Opener builds a backend from a data source name.
type Opener func(ctx context.Context, dsn string) (Backend, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
)

// Register makes a backend available to Open under name. Backends register
// themselves from an init function.
func Register(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if open == nil {
		panic("storage: Register opener is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("storage: Register called twice for driver " + name)
	}
	drivers[name] = open
}

// Drivers returns the names of the registered backends, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the backend registered as driver.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	driversMu.RLock()
	open, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q (registered: %s)", driver, strings.Join(Drivers(), ", "))
	}
	return open(ctx, dsn)
}

// Page applies offset and limit to an already ordered slice.
func Page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
