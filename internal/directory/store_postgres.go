package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory resolves profiles from the identity service's users table.
//
// Ownership model:
// - PostgresDirectory does NOT own the pgx pool. The caller must close the pool.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresDirectory behavior.
type PostgresOption func(*PostgresDirectory) error

// WithSchema sets the DB schema used by the directory (default: "parley").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return d, nil
}

// Resolve returns the profile for userID or ErrNotFound.
func (d *PostgresDirectory) Resolve(ctx context.Context, userID string) (Profile, error) {
	if d == nil || d.pool == nil {
		return Profile{}, errors.New("directory: nil directory")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	users := pgx.Identifier{d.schema, "users"}.Sanitize()

	var p Profile
	err := d.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(avatar_url, '') FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&p.UserID, &p.Name, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}
