package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Append and Delete take a per-conversation transactional advisory lock,
//     which serializes writers on one pair without blocking other pairs.
//   - FindOrCreate relies on the canonical pair key being the primary key, so
//     concurrent creation collapses into ON CONFLICT DO NOTHING.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// FindOrCreate returns the conversation for the unordered pair, creating it
// if absent. Safe under concurrent first messages for the same pair.
func (s *PostgresStore) FindOrCreate(ctx context.Context, userA, userB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if !ValidIdentity(userA) || !ValidIdentity(userB) || userA == userB {
		return Conversation{}, fmt.Errorf("%w: bad pair", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	a, b := userA, userB
	if b < a {
		a, b = b, a
	}
	key := a + ":" + b

	conversations := s.table("conversations")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, user_a, user_b) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		key, a, b,
	); err != nil {
		return Conversation{}, err
	}

	return s.readConversation(ctx, key)
}

// Find returns the conversation for the pair or ErrNotFound. Never creates.
func (s *PostgresStore) Find(ctx context.Context, userA, userB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if !ValidIdentity(userA) || !ValidIdentity(userB) {
		return Conversation{}, fmt.Errorf("%w: bad pair", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	return s.readConversation(ctx, PairKey(userA, userB))
}

func (s *PostgresStore) readConversation(ctx context.Context, id string) (Conversation, error) {
	conversations := s.table("conversations")

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_a, user_b, created_at, updated_at FROM `+conversations+` WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// Append persists a message with monotonic per-conversation sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" || in.AuthorID == "" {
		return Message{}, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.ImageURL) == "" {
		return Message{}, fmt.Errorf("%w: empty message", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := s.table("conversations")
	cursors := s.table("conversation_cursors")
	messages := s.table("messages")

	// Serialize all writes per conversation so seq allocation stays strictly
	// monotonic under concurrent senders.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var c Conversation
	err = tx.QueryRow(ctx,
		`SELECT id, user_a, user_b, created_at, updated_at FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	).Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if !c.Has(in.AuthorID) {
		return Message{}, ErrNotAuthorized
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return Message{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return Message{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, seq, id, author_id, text, image_url, seen, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		in.ConversationID, seq, id, in.AuthorID, in.Text, in.ImageURL, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET updated_at = $2 WHERE id = $1`,
		in.ConversationID, now,
	); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            seq,
		AuthorID:       in.AuthorID,
		Text:           in.Text,
		ImageURL:       in.ImageURL,
		Seen:           false,
		CreatedAt:      now,
	}, nil
}

// MarkSeen flips seen=true on all messages not authored by readerID. Idempotent.
func (s *PostgresStore) MarkSeen(ctx context.Context, conversationID, readerID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if conversationID == "" || readerID == "" {
		return 0, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c, err := s.readConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !c.Has(readerID) {
		return 0, ErrNotAuthorized
	}

	messages := s.table("messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET seen = true
		  WHERE conversation_id = $1 AND author_id <> $2 AND seen = false`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// History returns the full ordered message log (seq ASC).
func (s *PostgresStore) History(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := s.table("messages")

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, seq, id, author_id, text, image_url, seen, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ConversationID,
			&m.Seq,
			&m.ID,
			&m.AuthorID,
			&m.Text,
			&m.ImageURL,
			&m.Seen,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summarize derives inbox entries for userID ordered by recent activity.
func (s *PostgresStore) Summarize(ctx context.Context, userID string) ([]InboxSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := s.table("conversations")
	messages := s.table("messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id,
		        CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END,
		        c.updated_at,
		        m.id, m.seq, m.author_id, m.text, m.image_url, m.seen, m.created_at,
		        (SELECT count(*) FROM `+messages+` u
		          WHERE u.conversation_id = c.id AND u.author_id <> $1 AND u.seen = false)
		   FROM `+conversations+` c
		   LEFT JOIN LATERAL (
		         SELECT id, seq, author_id, text, image_url, seen, created_at
		           FROM `+messages+`
		          WHERE conversation_id = c.id
		          ORDER BY seq DESC
		          LIMIT 1
		        ) m ON true
		  WHERE c.user_a = $1 OR c.user_b = $1
		  ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboxSummary
	for rows.Next() {
		var (
			entry InboxSummary

			msgID     *string
			msgSeq    *int64
			msgAuthor *string
			msgText   *string
			msgImage  *string
			msgSeen   *bool
			msgTS     *time.Time
		)
		if err := rows.Scan(
			&entry.ConversationID,
			&entry.OtherUserID,
			&entry.LastActivity,
			&msgID, &msgSeq, &msgAuthor, &msgText, &msgImage, &msgSeen, &msgTS,
			&entry.UnseenCount,
		); err != nil {
			return nil, err
		}
		if msgID != nil {
			entry.LastMessage = &Message{
				ID:             *msgID,
				ConversationID: entry.ConversationID,
				Seq:            *msgSeq,
				AuthorID:       *msgAuthor,
				Text:           *msgText,
				ImageURL:       *msgImage,
				Seen:           *msgSeen,
				CreatedAt:      *msgTS,
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the conversation, its cursor and all its messages in one
// transaction. No partial deletion is observable.
func (s *PostgresStore) Delete(ctx context.Context, conversationID, requesterID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if conversationID == "" || requesterID == "" {
		return Conversation{}, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := s.table("conversations")
	cursors := s.table("conversation_cursors")
	messages := s.table("messages")

	// Same lock as Append, so a delete cannot interleave with an in-flight send.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return Conversation{}, fmt.Errorf("advisory lock: %w", err)
	}

	var c Conversation
	err = tx.QueryRow(ctx,
		`SELECT id, user_a, user_b, created_at, updated_at FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if !c.Has(requesterID) {
		return Conversation{}, ErrNotAuthorized
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+messages+` WHERE conversation_id = $1`, conversationID); err != nil {
		return Conversation{}, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+cursors+` WHERE conversation_id = $1`, conversationID); err != nil {
		return Conversation{}, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+conversations+` WHERE id = $1`, conversationID); err != nil {
		return Conversation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return c, nil
}
