package jsonbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/storage"
)

func init() {
	storage.Register("json", func(_ context.Context, dsn string) (storage.Backend, error) {
		return New(dsn)
	})
}

// ensure jsonBackend implements storage.Backend
var _ storage.Backend = (*jsonBackend)(nil)

const (
	profilesFile = "profiles.ndjson"
	usersFile    = "users.ndjson"
)

type jsonBackend struct {
	mu       sync.Mutex
	profiles *os.File
	users    *os.File
}

// New creates an NDJSON-backed storage.Backend keeping one file per
// collection inside dir.
func New(dir string) (storage.Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonbackend: %w", err)
	}

	profiles, err := open(filepath.Join(dir, profilesFile))
	if err != nil {
		return nil, err
	}
	users, err := open(filepath.Join(dir, usersFile))
	if err != nil {
		_ = profiles.Close()
		return nil, err
	}

	return &jsonBackend{profiles: profiles, users: users}, nil
}

func open(path string) (*os.File, error) {
	// Open file for appending, create if it doesn't exist
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonbackend: %w", err)
	}
	return f, nil
}

func (b *jsonBackend) SaveProfiles(ctx context.Context, records []*profile.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.PrepareProfiles(records, time.Now()); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("jsonbackend: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return appendAll(b.profiles, buf.Bytes())
}

// appendAll writes data in one call and cuts the file back on failure so a
// batch is never half stored.
func appendAll(f *os.File, data []byte) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("jsonbackend: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Truncate(info.Size())
		return fmt.Errorf("jsonbackend: %w", err)
	}
	return nil
}

func (b *jsonBackend) GetProfile(ctx context.Context, id string) (*profile.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var found *profile.Record
	err := scan(b.profiles, func(line []byte) (bool, error) {
		var r profile.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return false, err
		}
		if r.ID == id {
			found = &r
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

func (b *jsonBackend) QueryProfiles(ctx context.Context, filter storage.Filter) ([]*profile.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Without an engine, read everything, filter in memory, then order and page.
	var matched []*profile.Record
	err := scan(b.profiles, func(line []byte) (bool, error) {
		var r profile.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return false, err
		}
		if filter.ProfileURL != "" && r.ProfileURL != filter.ProfileURL {
			return true, nil
		}
		if filter.Since != nil && r.ScrapedAt.Before(*filter.Since) {
			return true, nil
		}
		matched = append(matched, &r)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first; later lines win ties, as they were written later.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ScrapedAt.After(matched[j].ScrapedAt)
	})

	out := storage.Page(matched, filter.Offset, filter.Limit)
	if out == nil {
		out = []*profile.Record{}
	}
	return out, nil
}

func (b *jsonBackend) CreateUser(ctx context.Context, u *storage.User) error {
	if err := storage.PrepareUser(u, time.Now()); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.findUser(u.Email); err == nil {
		return storage.ErrDuplicateEmail
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("jsonbackend: %w", err)
	}
	return appendAll(b.users, append(data, '\n'))
}

func (b *jsonBackend) GetUser(ctx context.Context, email string) (*storage.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findUser(storage.NormalizeEmail(email))
}

func (b *jsonBackend) findUser(email string) (*storage.User, error) {
	var found *storage.User
	err := scan(b.users, func(line []byte) (bool, error) {
		var u storage.User
		if err := json.Unmarshal(line, &u); err != nil {
			return false, err
		}
		if u.Email == email {
			found = &u
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

// scan calls fn for every non-empty line of f until fn returns false. The
// caller must hold the lock.
func scan(f *os.File, fn func(line []byte) (bool, error)) error {
	// Seek to the beginning of the file to read all entries
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("jsonbackend: %w", err)
	}
	defer func() {
		// Restore pointer to end for writing
		_, _ = f.Seek(0, io.SeekEnd)
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		more, err := fn(line)
		if err != nil {
			return fmt.Errorf("jsonbackend: %w", err)
		}
		if !more {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("jsonbackend: %w", err)
	}
	return nil
}

func (b *jsonBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.profiles.Close(), b.users.Close())
}
