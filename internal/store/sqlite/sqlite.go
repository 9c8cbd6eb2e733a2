package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaychat/relay-server/internal/core"
	"github.com/relaychat/relay-server/internal/store"
	"github.com/relaychat/relay-server/internal/utils"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	email      TEXT NOT NULL DEFAULT '',
	avatar     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	is_group        INTEGER NOT NULL DEFAULT 0,
	direct_key      TEXT UNIQUE,
	group_name      TEXT NOT NULL DEFAULT '',
	group_avatar    TEXT NOT NULL DEFAULT '',
	group_admin     TEXT NOT NULL DEFAULT '',
	last_message_id TEXT NOT NULL DEFAULT '',
	last_message_at INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	joined_at       INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	recipient_id    TEXT NOT NULL,
	content         TEXT NOT NULL,
	media_url       TEXT NOT NULL DEFAULT '',
	media_type      TEXT NOT NULL DEFAULT '',
	delivered       INTEGER NOT NULL DEFAULT 0,
	delivered_at    INTEGER,
	is_read         INTEGER NOT NULL DEFAULT 0,
	read_at         INTEGER,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_delivered ON messages(recipient_id, delivered);
`

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function after the
// schema is applied. Useful for tests to seed fixtures.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		if err := setup(s.db); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// UpsertUser writes an identity record synced from the external provider.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO users (id, username, email, avatar, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, email = excluded.email, avatar = excluded.avatar
	`
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Username, u.Email, u.Avatar, u.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID, nil if absent.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	query := `
		SELECT id, username, email, avatar, created_at
		FROM users
		WHERE id = ?
	`
	var (
		u       store.User
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Email, &u.Avatar, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = time.Unix(0, created)
	return &u, nil
}

// GetUsersByIDs retrieves all users whose IDs are in ids.
func (s *SQLiteStore) GetUsersByIDs(ctx context.Context, ids []string) ([]*store.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT id, username, email, avatar, created_at
		FROM users
		WHERE id IN (` + placeholders + `)
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*store.User
	for rows.Next() {
		var (
			u       store.User
			created int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Avatar, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = time.Unix(0, created)
		users = append(users, &u)
	}
	return users, rows.Err()
}

// ==== ConversationStore implementation ====

// directKey builds the dedup key for a direct conversation pair.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// CreateDirect finds or creates the non-group conversation between the pair.
func (s *SQLiteStore) CreateDirect(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	key := directKey(userA, userB)

	if conv, err := s.getByDirectKey(ctx, key); err != nil || conv != nil {
		return conv, err
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           utils.NewID(),
		Participants: []string{userA, userB},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, is_group, direct_key, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?)
	`, conv.ID, key, now.UnixNano(), now.UnixNano())
	if err != nil {
		// Lost a race on the unique direct_key: return the winner.
		if strings.Contains(err.Error(), "UNIQUE") {
			return s.getByDirectKey(ctx, key)
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	for _, uid := range conv.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, conv.ID, uid, now.UnixNano()); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

// CreateGroup persists a group conversation with its members.
func (s *SQLiteStore) CreateGroup(ctx context.Context, admin string, members []string, name, avatar string) (*store.Conversation, error) {
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:           utils.NewID(),
		Participants: members,
		IsGroup:      true,
		GroupName:    name,
		GroupAvatar:  avatar,
		GroupAdmin:   admin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, is_group, group_name, group_avatar, group_admin, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)
	`, conv.ID, name, avatar, admin, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	for _, uid := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, conv.ID, uid, now.UnixNano()); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation with its participants, nil if absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, is_group, group_name, group_avatar, group_admin, last_message_id, last_message_at, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id))
	if err != nil || conv == nil {
		return conv, err
	}
	if err := s.loadParticipants(ctx, []*store.Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationsForUser returns every conversation containing the user,
// ordered by last_message_at descending.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*store.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.is_group, c.group_name, c.group_avatar, c.group_admin, c.last_message_id, c.last_message_at, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_message_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []*store.Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadParticipants(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// AddParticipants inserts members, silently skipping ones already present.
func (s *SQLiteStore) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	now := time.Now().UTC().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
		`, conversationID, uid, now); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// RemoveParticipant deletes one member.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	now := time.Now().UTC().UnixNano()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// UpdateGroupInfo overwrites name and/or avatar when non-nil.
func (s *SQLiteStore) UpdateGroupInfo(ctx context.Context, conversationID string, name, avatar *string) error {
	now := time.Now().UTC().UnixNano()
	if name != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET group_name = ?, updated_at = ? WHERE id = ?`, *name, now, conversationID); err != nil {
			return fmt.Errorf("update group name: %w", err)
		}
	}
	if avatar != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET group_avatar = ?, updated_at = ? WHERE id = ?`, *avatar, now, conversationID); err != nil {
			return fmt.Errorf("update group avatar: %w", err)
		}
	}
	return nil
}

// ==== MessageStore implementation ====

// AppendMessage persists the message and updates the owning conversation's
// last message pointer in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *store.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return core.NotFound("conversation not found")
	}
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, media_url, media_type, delivered, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.RecipientID, msg.Content, msg.MediaURL, string(msg.MediaType), msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, last_message_at = ?, updated_at = ? WHERE id = ?
	`, msg.ID, msg.CreatedAt.UnixNano(), msg.CreatedAt.UnixNano(), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	return tx.Commit()
}

const messageColumns = `id, conversation_id, sender_id, recipient_id, content, media_url, media_type, delivered, delivered_at, is_read, read_at, created_at`

// ListMessages returns up to limit messages strictly older than before,
// ascending by creation time.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, before.UnixNano())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Fetched newest-first; reverse for chronological display order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage retrieves a message, nil if absent.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	msgs, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// MarkDelivered sets delivered+delivered_at if not already set.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string) (*store.Message, error) {
	now := time.Now().UTC().UnixNano()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0
	`, now, id); err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// MarkRead sets read+read_at if not already set.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) (*store.Message, error) {
	now := time.Now().UTC().UnixNano()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0
	`, now, id); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// UndeliveredFor returns all undelivered messages addressed to the user.
func (s *SQLiteStore) UndeliveredFor(ctx context.Context, userID string) ([]*store.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE recipient_id = ? AND delivered = 0
		ORDER BY created_at ASC
	`, userID)
}

// UnreadCounts returns per-conversation unread counts, omitting zeroes.
func (s *SQLiteStore) UnreadCounts(ctx context.Context, userID string) ([]store.UnreadCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*)
		FROM messages
		WHERE recipient_id = ? AND is_read = 0
		GROUP BY conversation_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query unread counts: %w", err)
	}
	defer rows.Close()

	var counts []store.UnreadCount
	for rows.Next() {
		var c store.UnreadCount
		if err := rows.Scan(&c.ConversationID, &c.Count); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ==== helpers ====

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		conv                      store.Conversation
		isGroup                   int
		lastMsgAt, created, updat int64
	)
	err := row.Scan(&conv.ID, &isGroup, &conv.GroupName, &conv.GroupAvatar, &conv.GroupAdmin,
		&conv.LastMessageID, &lastMsgAt, &created, &updat)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.IsGroup = isGroup != 0
	if lastMsgAt != 0 {
		conv.LastMessageAt = time.Unix(0, lastMsgAt)
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updat)
	return &conv, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, convs []*store.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(convs)-1) + "?"
	args := make([]any, len(convs))
	byID := make(map[string]*store.Conversation, len(convs))
	for i, c := range convs {
		args[i] = c.ID
		byID[c.ID] = c
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id
		FROM conversation_participants
		WHERE conversation_id IN (`+placeholders+`)
		ORDER BY joined_at ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		if err := rows.Scan(&convID, &userID); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		if c := byID[convID]; c != nil {
			c.Participants = append(c.Participants, userID)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) getByDirectKey(ctx context.Context, key string) (*store.Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, is_group, group_name, group_avatar, group_admin, last_message_id, last_message_at, created_at, updated_at
		FROM conversations
		WHERE direct_key = ?
	`, key))
	if err != nil || conv == nil {
		return conv, err
	}
	if err := s.loadParticipants(ctx, []*store.Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*store.Message
	for rows.Next() {
		var (
			m                   store.Message
			mediaType           string
			delivered, isRead   int
			deliveredAt, readAt sql.NullInt64
			created             int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Content,
			&m.MediaURL, &mediaType, &delivered, &deliveredAt, &isRead, &readAt, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.MediaType = store.MediaType(mediaType)
		m.Delivered = delivered != 0
		m.Read = isRead != 0
		if deliveredAt.Valid {
			t := time.Unix(0, deliveredAt.Int64)
			m.DeliveredAt = &t
		}
		if readAt.Valid {
			t := time.Unix(0, readAt.Int64)
			m.ReadAt = &t
		}
		m.CreatedAt = time.Unix(0, created)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
