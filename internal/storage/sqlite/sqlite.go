package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/storage"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	storage.Register("sqlite", func(_ context.Context, dsn string) (storage.Backend, error) {
		return New(dsn)
	})
}

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS profiles (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	profile_url TEXT NOT NULL,
	scraped_at INTEGER NOT NULL,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS profiles_url_idx ON profiles (profile_url);
CREATE INDEX IF NOT EXISTS profiles_scraped_at_idx ON profiles (scraped_at);
`

// New creates a new SQLite-backed storage.Backend. Timestamps are stored as
// Unix nanoseconds so ordering and range filters compare integers.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	// One writer at a time; concurrent connections only buy SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) SaveProfiles(ctx context.Context, records []*profile.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.PrepareProfiles(records, time.Now()); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO profiles (id, profile_url, scraped_at, document) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.ProfileURL, r.ScrapedAt.UnixNano(), string(doc)); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return nil
}

func (b *sqliteBackend) GetProfile(ctx context.Context, id string) (*profile.Record, error) {
	var doc string
	err := b.db.QueryRowContext(ctx, `SELECT document FROM profiles WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return decode(doc)
}

func (b *sqliteBackend) QueryProfiles(ctx context.Context, filter storage.Filter) ([]*profile.Record, error) {
	query := `SELECT document FROM profiles WHERE 1=1`
	args := []any{}

	if filter.ProfileURL != "" {
		query += ` AND profile_url = ?`
		args = append(args, filter.ProfileURL)
	}
	if filter.Since != nil {
		query += ` AND scraped_at >= ?`
		args = append(args, filter.Since.UnixNano())
	}

	query += ` ORDER BY scraped_at DESC, seq DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	defer rows.Close()

	results := []*profile.Record{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		r, err := decode(doc)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return results, nil
}

func (b *sqliteBackend) CreateUser(ctx context.Context, u *storage.User) error {
	if err := storage.PrepareUser(u, time.Now()); err != nil {
		return err
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO users (id, email, hashed_password, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.HashedPassword, u.CreatedAt.UnixNano(),
	)
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return storage.ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return nil
}

func (b *sqliteBackend) GetUser(ctx context.Context, email string) (*storage.User, error) {
	var u storage.User
	var createdAt int64
	err := b.db.QueryRowContext(ctx,
		`SELECT id, email, hashed_password, created_at FROM users WHERE email = ?`,
		storage.NormalizeEmail(email),
	).Scan(&u.ID, &u.Email, &u.HashedPassword, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	return &u, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

func decode(doc string) (*profile.Record, error) {
	var r profile.Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("sqlite: decode profile: %w", err)
	}
	return &r, nil
}
