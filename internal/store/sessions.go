package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// CreateSession starts a new chat session in a domain.
func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, domain_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.DomainID, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess types.Session
	err := s.db.QueryRow(
		`SELECT id, domain_id, title, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.DomainID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns a domain's sessions, most recently active first.
func (s *Store) ListSessions(domainID string, limit int) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, domain_id, title, created_at, updated_at FROM sessions WHERE domain_id = ? ORDER BY updated_at DESC`
	args := []interface{}{domainID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var sess types.Session
		if err := rows.Scan(&sess.ID, &sess.DomainID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable session row: %v", err)
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// TouchSession bumps a session's updated_at and optionally retitles it.
func (s *Store) TouchSession(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if title != "" {
		_, err = s.db.Exec(`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id)
	} else {
		_, err = s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// AppendMessage appends one transcript entry to a session's log.
func (s *Store) AppendMessage(m *types.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO chat_messages (id, session_id, role, content, raw_message, tool_call_id, tool_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, rawString(m.RawMessage), m.ToolCallID, m.ToolName, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in order.
func (s *Store) ListMessages(sessionID string) ([]types.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, raw_message, tool_call_id, tool_name, created_at
		 FROM chat_messages WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var raw string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &raw, &m.ToolCallID, &m.ToolName, &m.CreatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable message row: %v", err)
			continue
		}
		m.RawMessage = stringRaw(raw)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// TranscriptBytes returns the cumulative size of a session's transcript:
// content plus raw provider messages.
func (s *Store) TranscriptBytes(sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(LENGTH(content) + LENGTH(raw_message)) FROM chat_messages WHERE session_id = ?`,
		sessionID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transcript bytes: %w", err)
	}
	return total.Int64, nil
}

// GetSummary returns the session's rolling digest.
func (s *Store) GetSummary(sessionID string) (*types.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum types.ConversationSummary
	err := s.db.QueryRow(
		`SELECT id, session_id, content, message_count, created_at, updated_at FROM conversation_summaries WHERE session_id = ?`,
		sessionID,
	).Scan(&sum.ID, &sum.SessionID, &sum.Content, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return &sum, nil
}

// UpsertSummary writes the session's rolling digest, replacing any previous one.
func (s *Store) UpsertSummary(sum *types.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var existingID string
	err := s.db.QueryRow(`SELECT id FROM conversation_summaries WHERE session_id = ?`, sum.SessionID).Scan(&existingID)

	switch {
	case err == nil:
		sum.ID = existingID
		sum.UpdatedAt = now
		_, err = s.db.Exec(
			`UPDATE conversation_summaries SET content = ?, message_count = ?, updated_at = ? WHERE id = ?`,
			sum.Content, sum.MessageCount, sum.UpdatedAt, sum.ID,
		)
	case errors.Is(err, sql.ErrNoRows):
		if sum.ID == "" {
			sum.ID = uuid.NewString()
		}
		sum.CreatedAt = now
		sum.UpdatedAt = now
		_, err = s.db.Exec(
			`INSERT INTO conversation_summaries (id, session_id, content, message_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sum.ID, sum.SessionID, sum.Content, sum.MessageCount, sum.CreatedAt, sum.UpdatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}
	return nil
}
