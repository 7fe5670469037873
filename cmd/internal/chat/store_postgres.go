package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Every mutation is one guarded UPDATE ... RETURNING statement, so concurrent
//     reactions / seen / hide updates from different users serialize on the row lock.
//   - When a guard rejects the update, a follow-up read classifies the failure.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
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

const messageColumns = `id, sender_id, receiver_id, text, image_url, video_url, reactions,
	edited, edited_at, deleted, deleted_at, reply_to_id, seen_by, seen_at, hidden_for,
	created_at, updated_at`

func (s *PostgresStore) messages() string { return pgIdent(s.schema, "messages") }

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Text,
		&m.ImageURL,
		&m.VideoURL,
		&m.Reactions,
		&m.Edited,
		&m.EditedAt,
		&m.Deleted,
		&m.DeletedAt,
		&m.ReplyToID,
		&m.SeenBy,
		&m.SeenAt,
		&m.HiddenFor,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	if m.Reactions == nil {
		m.Reactions = map[string]string{}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Create persists a new message and assigns its id.
func (s *PostgresStore) Create(ctx context.Context, in CreateMessageInput) (Message, error) {
	const op = "chat.store.Create"
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.SenderID == "" || in.ReceiverID == "" {
		return Message{}, invalid(op, "sender and receiver are required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := nowOr(in.Now)
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.messages()+` (
		     id, sender_id, receiver_id, text, image_url, video_url, reply_to_id, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 RETURNING `+messageColumns,
		id, in.SenderID, in.ReceiverID, in.Text, in.ImageURL, in.VideoURL, in.ReplyToID, now,
	))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// Get returns a message by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages()+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound("chat.store.Get", "message not found")
	}
	return m, err
}

// GetMany returns the subset of ids that exist.
func (s *PostgresStore) GetMany(ctx context.Context, idList []string) (map[string]Message, error) {
	out := make(map[string]Message, len(idList))
	if len(idList) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages()+` WHERE id = ANY($1::text[])`, idList,
	)
	if err != nil {
		return nil, err
	}
	list, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range list {
		out[m.ID] = m
	}
	return out, nil
}

// ToggleReaction applies toggle semantics for one user's reaction in a single statement.
func (s *PostgresStore) ToggleReaction(ctx context.Context, in ReactInput) (Message, error) {
	const op = "chat.store.ToggleReaction"
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.messages()+`
		    SET reactions = CASE
		          WHEN reactions->>($2::text) = $3::text THEN reactions - ($2::text)
		          ELSE reactions || jsonb_build_object($2::text, $3::text)
		        END,
		        updated_at = $4
		  WHERE id = $1 AND NOT deleted
		RETURNING `+messageColumns,
		in.MessageID, in.UserID, in.Emoji, nowOr(in.Now),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, s.classify(ctx, op, in.MessageID, "")
	}
	return m, err
}

// Edit replaces the text of an active message owned by the editor.
func (s *PostgresStore) Edit(ctx context.Context, in EditInput) (Message, error) {
	const op = "chat.store.Edit"
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.messages()+`
		    SET text = $3, edited = true, edited_at = $4, updated_at = $4
		  WHERE id = $1 AND sender_id = $2 AND NOT deleted
		RETURNING `+messageColumns,
		in.MessageID, in.EditorID, in.Text, nowOr(in.Now),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, s.classify(ctx, op, in.MessageID, in.EditorID)
	}
	return m, err
}

// SoftDelete tombstones an active message owned by the actor.
func (s *PostgresStore) SoftDelete(ctx context.Context, in DeleteInput) (Message, error) {
	const op = "chat.store.SoftDelete"
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.messages()+`
		    SET text = $3, image_url = '', video_url = '',
		        edited = false, edited_at = NULL,
		        deleted = true, deleted_at = $4, updated_at = $4
		  WHERE id = $1 AND sender_id = $2 AND NOT deleted
		RETURNING `+messageColumns,
		in.MessageID, in.ActorID, DeletedPlaceholder, nowOr(in.Now),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, s.classify(ctx, op, in.MessageID, in.ActorID)
	}
	return m, err
}

// classify explains why a guarded UPDATE matched no row.
func (s *PostgresStore) classify(ctx context.Context, op, id, owner string) error {
	var (
		sender  string
		deleted bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT sender_id, deleted FROM `+s.messages()+` WHERE id = $1`, id,
	).Scan(&sender, &deleted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return notFound(op, "message not found")
	case err != nil:
		return err
	case owner != "" && sender != owner:
		return forbidden(op, "only the sender can change a message")
	case deleted:
		return conflict(op, "message is deleted")
	default:
		// The row changed between the UPDATE and this read; report it as a conflict.
		return conflict(op, "message changed concurrently")
	}
}

// MarkSeen adds the reader to seen-by; returns only messages that changed.
func (s *PostgresStore) MarkSeen(ctx context.Context, in MarkSeenInput) ([]Message, error) {
	if len(in.MessageIDs) == 0 {
		return nil, nil
	}
	now := nowOr(in.Now)
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.messages()+`
		    SET seen_by = array_append(seen_by, $2::text), seen_at = $3, updated_at = $3
		  WHERE id = ANY($1::text[])
		    AND receiver_id = $2
		    AND NOT deleted
		    AND NOT ($2::text = ANY(seen_by))
		RETURNING `+messageColumns,
		in.MessageIDs, in.ReaderID, now,
	)
	if err != nil {
		return nil, err
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

// HideConversation hides every not-yet-hidden message of the pair for UserID.
func (s *PostgresStore) HideConversation(ctx context.Context, in HideInput) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.messages()+`
		    SET hidden_for = array_append(hidden_for, $1::text)
		  WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		    AND NOT ($1::text = ANY(hidden_for))`,
		in.UserID, in.OtherUserID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListConversation returns the pair's messages visible to userID, oldest first.
func (s *PostgresStore) ListConversation(ctx context.Context, userID, otherUserID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.messages()+`
		  WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		    AND NOT ($1::text = ANY(hidden_for))
		  ORDER BY created_at ASC, id ASC`,
		userID, otherUserID,
	)
	if err != nil {
		return nil, err
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// Summaries returns, per peer, the latest visible message and the unread count.
func (s *PostgresStore) Summaries(ctx context.Context, userID string) (map[string]PeerSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END)
		        `+messageColumns+`
		   FROM `+s.messages()+`
		  WHERE (sender_id = $1 OR receiver_id = $1)
		    AND NOT ($1::text = ANY(hidden_for))
		  ORDER BY CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END,
		           created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	last, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	out := make(map[string]PeerSummary, len(last))
	for i := range last {
		m := last[i]
		peer := m.Peer(userID)
		out[peer] = PeerSummary{PeerID: peer, Last: &m}
	}

	counts, err := s.pool.Query(ctx,
		`SELECT sender_id, count(*)
		   FROM `+s.messages()+`
		  WHERE receiver_id = $1
		    AND NOT deleted
		    AND NOT ($1::text = ANY(seen_by))
		    AND NOT ($1::text = ANY(hidden_for))
		  GROUP BY sender_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer counts.Close()

	for counts.Next() {
		var (
			peer string
			n    int64
		)
		if err := counts.Scan(&peer, &n); err != nil {
			return nil, err
		}
		if sum, ok := out[peer]; ok {
			sum.Unread = int(n)
			out[peer] = sum
		}
	}
	return out, counts.Err()
}

var _ Store = (*PostgresStore)(nil)

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
