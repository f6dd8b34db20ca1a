package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/ids"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_FindOrCreate_Concurrent_OneRow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	userA := "it-a-" + ids.NewRandomHex(4)
	userB := "it-b-" + ids.NewRandomHex(4)

	const n = 16
	convIDs := make([]string, n)

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := userA, userB
			if i%2 == 0 {
				a, b = b, a
			}
			c, err := store.FindOrCreate(ctx, a, b)
			if err != nil {
				errCh <- err
				return
			}
			convIDs[i] = c.ID
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent FindOrCreate: %v", err)
	}

	for i := 1; i < n; i++ {
		if convIDs[i] != convIDs[0] {
			t.Fatalf("conversation id diverged: %q vs %q", convIDs[i], convIDs[0])
		}
	}

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgx.Identifier{schema, "conversations"}.Sanitize()+` WHERE id = $1`,
		convIDs[0],
	).Scan(&cnt); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected 1 conversation row, got %d", cnt)
	}
}

func TestPostgresStore_ConcurrentAppend_StrictSeq_NoGaps(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	conv, err := store.FindOrCreate(ctx, "it-alice", "it-bob")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	const n = 32

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := "it-alice"
			if i%2 == 1 {
				author = "it-bob"
			}
			if _, err := store.Append(ctx, AppendInput{
				ConversationID: conv.ID,
				AuthorID:       author,
				Text:           fmt.Sprintf("m%d", i),
				Now:            time.Now().UTC(),
			}); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append error: %v", err)
	}

	hist, err := store.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != n {
		t.Fatalf("expected %d messages, got %d", n, len(hist))
	}

	// Strict: seqs must be exactly 1..n in order.
	for i, m := range hist {
		if m.Seq != int64(i+1) {
			t.Fatalf("hist[%d].Seq=%d want %d (gap or reorder)", i, m.Seq, i+1)
		}
	}
}

func TestPostgresStore_MarkSeen_Summarize(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, err := store.FindOrCreate(ctx, "it-alice", "it-bob")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, AppendInput{
			ConversationID: conv.ID,
			AuthorID:       "it-alice",
			Text:           fmt.Sprintf("m%d", i),
			Now:            time.Now().UTC(),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sums, err := store.Summarize(ctx, "it-bob")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sums) != 1 || sums[0].UnseenCount != 3 {
		t.Fatalf("summaries=%+v want one entry with 3 unseen", sums)
	}
	if sums[0].LastMessage == nil || sums[0].LastMessage.Text != "m2" {
		t.Fatalf("last message mismatch: %+v", sums[0].LastMessage)
	}

	flipped, err := store.MarkSeen(ctx, conv.ID, "it-bob")
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if flipped != 3 {
		t.Fatalf("flipped=%d want 3", flipped)
	}

	flipped, err = store.MarkSeen(ctx, conv.ID, "it-bob")
	if err != nil {
		t.Fatalf("MarkSeen again: %v", err)
	}
	if flipped != 0 {
		t.Fatalf("second MarkSeen flipped=%d want 0", flipped)
	}
}

func TestPostgresStore_Delete_Atomic(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, err := store.FindOrCreate(ctx, "it-alice", "it-bob")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if _, err := store.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		AuthorID:       "it-alice",
		Text:           "doomed",
		Now:            time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := store.Delete(ctx, conv.ID, "it-mallory"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("outsider delete err=%v want ErrNotAuthorized", err)
	}

	if _, err := store.Delete(ctx, conv.ID, "it-bob"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.Find(ctx, "it-alice", "it-bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conversation must be gone; err=%v", err)
	}

	for _, table := range []string{"messages", "conversation_cursors"} {
		var cnt int
		if err := pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+pgx.Identifier{schema, table}.Sanitize()+` WHERE conversation_id = $1`,
			conv.ID,
		).Scan(&cnt); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if cnt != 0 {
			t.Fatalf("%s rows remain after delete: %d", table, cnt)
		}
	}
}

// ---- test helpers ----

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "parley_it_" + strings.ToLower(ids.NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgx.Identifier{schema, "conversations"}.Sanitize()
	cursors := pgx.Identifier{schema, "conversation_cursors"}.Sanitize()
	messages := pgx.Identifier{schema, "messages"}.Sanitize()

	// Minimal schema required by PostgresStore.
	// Must remain semantically aligned with migrations/0001_init.up.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  user_a     TEXT NOT NULL,
  user_b     TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (user_a, user_b),
  CHECK (user_a < user_b)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  id              TEXT NOT NULL,
  author_id       TEXT NOT NULL,
  text            TEXT NOT NULL DEFAULT '',
  image_url       TEXT NOT NULL DEFAULT '',
  seen            BOOLEAN NOT NULL DEFAULT false,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (conversation_id, seq)
);
`, conversations, cursors, conversations, messages, conversations)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
