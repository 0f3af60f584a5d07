package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	storage.Register("postgres", New)
}

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS profiles (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	profile_url TEXT NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL,
	document JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS profiles_url_idx ON profiles (profile_url);
CREATE INDEX IF NOT EXISTS profiles_scraped_at_idx ON profiles (scraped_at);
`

// New creates a new Postgres-backed storage.Backend. Profiles are stored as
// JSONB documents.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	_, err = pool.Exec(ctx, schema)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) SaveProfiles(ctx context.Context, records []*profile.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.PrepareProfiles(records, time.Now()); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		batch.Queue(`INSERT INTO profiles (id, profile_url, scraped_at, document) VALUES ($1, $2, $3, $4)`,
			r.ID, r.ProfileURL, r.ScrapedAt, doc)
	}

	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

func (b *postgresBackend) GetProfile(ctx context.Context, id string) (*profile.Record, error) {
	var doc []byte
	err := b.pool.QueryRow(ctx, `SELECT document FROM profiles WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return decode(doc)
}

func (b *postgresBackend) QueryProfiles(ctx context.Context, filter storage.Filter) ([]*profile.Record, error) {
	query := `SELECT document FROM profiles WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.ProfileURL != "" {
		query += fmt.Sprintf(` AND profile_url = $%d`, paramCount)
		args = append(args, filter.ProfileURL)
		paramCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND scraped_at >= $%d`, paramCount)
		args = append(args, *filter.Since)
		paramCount++
	}

	query += ` ORDER BY scraped_at DESC, seq DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	defer rows.Close()

	results := []*profile.Record{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		r, err := decode(doc)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	return results, nil
}

func (b *postgresBackend) CreateUser(ctx context.Context, u *storage.User) error {
	if err := storage.PrepareUser(u, time.Now()); err != nil {
		return err
	}

	_, err := b.pool.Exec(ctx,
		`INSERT INTO users (id, email, hashed_password, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.HashedPassword, u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

func (b *postgresBackend) GetUser(ctx context.Context, email string) (*storage.User, error) {
	var u storage.User
	err := b.pool.QueryRow(ctx,
		`SELECT id, email, hashed_password, created_at FROM users WHERE email = $1`,
		storage.NormalizeEmail(email),
	).Scan(&u.ID, &u.Email, &u.HashedPassword, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func decode(doc []byte) (*profile.Record, error) {
	var r profile.Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("postgres: decode profile: %w", err)
	}
	return &r, nil
}
