package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"ChatRelay/internal/session"

	"github.com/google/uuid"
)

// Store persists sessions and messages
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an opened, migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new active session
func (s *Store) CreateSession(ctx context.Context, ownerID, title string) (*session.Session, error) {
	now := s.now()
	sess := &session.Session{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Title:          title,
		Status:         session.StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, title, status, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.Title, string(sess.Status), sess.CreatedAt, sess.LastActivityAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession loads a session by id
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, status, created_at, last_activity_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the owner's sessions that are not deleted, most
// recently active first
func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, status, created_at, last_activity_at FROM sessions
		 WHERE owner_id = ? AND status <> ? ORDER BY last_activity_at DESC`,
		ownerID, string(session.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// SetSessionStatus moves a session to archived or deleted. Rows are never
// removed.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status session.Status) error {
	return s.updateSession(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
}

// TouchSession records activity on a session
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.updateSession(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, at.UTC(), id)
}

func (s *Store) updateSession(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// CreateMessage persists msg, assigning its id and creation time when unset
func (s *Store) CreateMessage(ctx context.Context, msg *session.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	attachments, err := marshalAttachments(msg.Attachments)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, attachments, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, attachments, string(metadata), msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages in
// chronological order
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]session.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT id, session_id, role, content, attachments, metadata, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// ListMessages pages through a session's messages oldest first
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]session.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, content, attachments, metadata, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at ASC, seq ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
}

// GetMessage loads a single message
func (s *Store) GetMessage(ctx context.Context, id string) (*session.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT id, session_id, role, content, attachments, metadata, created_at FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, sql.ErrNoRows)
	}
	return &msgs[0], nil
}

// AppendAttachments adds attachments to a stored message. Existing
// attachments are kept.
func (s *Store) AppendAttachments(ctx context.Context, messageID string, attachments ...session.Attachment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT attachments FROM messages WHERE id = ?`, messageID).Scan(&raw); err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	existing, err := unmarshalAttachments(raw)
	if err != nil {
		return err
	}
	updated, err := marshalAttachments(append(existing, attachments...))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET attachments = ? WHERE id = ?`, updated, messageID); err != nil {
		return fmt.Errorf("update attachments: %w", err)
	}
	return tx.Commit()
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var (
			msg         session.Message
			role        string
			attachments string
			metadata    string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &attachments, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = session.Role(role)
		if msg.Attachments, err = unmarshalAttachments(attachments); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess   session.Session
		status string
	)
	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &status, &sess.CreatedAt, &sess.LastActivityAt); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	return &sess, nil
}

func marshalAttachments(attachments []session.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(raw), nil
}

func unmarshalAttachments(raw string) ([]session.Attachment, error) {
	var attachments []session.Attachment
	if err := json.Unmarshal([]byte(raw), &attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if len(attachments) == 0 {
		return nil, nil
	}
	return attachments, nil
}
