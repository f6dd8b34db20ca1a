// Package social exposes the friend-graph lookup the chat engine consults.
//
// Friend state never gates whether two identities can message each other;
// the engine only reads it to answer friend_check events.
package social

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Graph answers friendship queries between two identities.
type Graph interface {
	// IsFriend returns true if a and b have an accepted friendship.
	IsFriend(ctx context.Context, a, b string) (bool, error)
}

// PostgresGraph checks friendships via parley.friendships.
type PostgresGraph struct {
	pool   *pgxpool.Pool
	schema string
}

// GraphOption configures PostgresGraph behavior.
type GraphOption func(*PostgresGraph) error

// WithGraphSchema sets the DB schema used by the graph (default: "parley").
func WithGraphSchema(schema string) GraphOption {
	return func(g *PostgresGraph) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("social: empty schema")
		}
		g.schema = schema
		return nil
	}
}

// NewPostgresGraph constructs a friend graph backed by PostgreSQL.
func NewPostgresGraph(pool *pgxpool.Pool, opts ...GraphOption) (*PostgresGraph, error) {
	g := &PostgresGraph{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.pool == nil {
		return nil, errors.New("social: nil pool")
	}
	return g, nil
}

// IsFriend checks whether a and b share an accepted friendship row.
// The friendships table stores one row per pair in canonical (user_a < user_b) order.
func (g *PostgresGraph) IsFriend(ctx context.Context, a, b string) (bool, error) {
	if g == nil || g.pool == nil {
		return false, errors.New("social: nil graph")
	}
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if b < a {
		a, b = b, a
	}

	friendships := pgx.Identifier{g.schema, "friendships"}.Sanitize()

	var one int
	err := g.pool.QueryRow(ctx,
		`SELECT 1 FROM `+friendships+` WHERE user_a = $1 AND user_b = $2 AND status = 'accepted'`,
		a, b,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MemoryGraph is a map-backed Graph for no-DB mode and tests.
type MemoryGraph struct {
	pairs map[[2]string]struct{}
}

// NewMemoryGraph constructs a MemoryGraph from pairs of friend identities.
func NewMemoryGraph(pairs ...[2]string) *MemoryGraph {
	g := &MemoryGraph{pairs: make(map[[2]string]struct{}, len(pairs))}
	for _, p := range pairs {
		a, b := p[0], p[1]
		if b < a {
			a, b = b, a
		}
		g.pairs[[2]string{a, b}] = struct{}{}
	}
	return g
}

// IsFriend reports whether the pair was registered.
func (g *MemoryGraph) IsFriend(_ context.Context, a, b string) (bool, error) {
	if g == nil || a == "" || b == "" || a == b {
		return false, nil
	}
	if b < a {
		a, b = b, a
	}
	_, ok := g.pairs[[2]string{a, b}]
	return ok, nil
}
