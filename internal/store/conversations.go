package store

import (
	"context"
	"fmt"
	"time"
)

type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolName       string    `json:"tool_name,omitempty"`
	Tokens         int       `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnsureConversation creates the conversation row if it does not exist and
// refreshes updated_at either way.
func (s *Store) EnsureConversation(ctx context.Context, id, agentID, channel string) error {
	if agentID == "" {
		agentID = "default"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, agent_id, channel, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP;
		`, id, agentID, channel)
		if err != nil {
			return fmt.Errorf("ensure conversation: %w", err)
		}
		return nil
	})
}

// AppendMessage appends one turn to a conversation's history. Ordering within
// a conversation is the natural append order of the autoincrement id.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content, toolName string, tokens int) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, tool_name, tokens, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, conversationID, role, content, toolName, tokens)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// RecentMessages returns the last n messages of a conversation in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_name, tokens, created_at
		FROM (
			SELECT id, conversation_id, role, content, tool_name, tokens, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC;
	`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("select recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ToolName, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
