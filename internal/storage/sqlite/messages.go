package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	chatgateway "github.com/eugener/chatgate/internal"
)

// AppendMessage inserts a message and bumps the owning session's updated_at
// in one transaction, so a crash can never leave one written without the
// other.
func (s *Store) AppendMessage(ctx context.Context, m *chatgateway.Message) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, provider, model, created_at,
		 edited_at, input_tokens, output_tokens, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, nullStrPtr(m.Provider), nullStrPtr(m.Model),
		timeToStr(m.CreatedAt), timePtrToStr(m.EditedAt),
		tokenField(m.TokenUsage, usageInput), tokenField(m.TokenUsage, usageOutput), tokenField(m.TokenUsage, usageTotal),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, timeToStr(m.CreatedAt), m.SessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns messages in id order, optionally starting strictly
// after afterID. limit <= 0 means no limit.
func (s *Store) ListMessages(ctx context.Context, sessionID, afterID string, limit int) ([]chatgateway.Message, error) {
	query := `SELECT id, session_id, role, content, provider, model, created_at, edited_at,
	          input_tokens, output_tokens, total_tokens
	          FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if afterID != "" {
		query += ` AND id > ?`
		args = append(args, afterID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatgateway.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetMessage retrieves a single message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*chatgateway.Message, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, provider, model, created_at, edited_at,
		 input_tokens, output_tokens, total_tokens FROM messages WHERE id = ?`, messageID)
	return scanMessage(row)
}

// EditMessage replaces a message's content and stamps edited_at.
func (s *Store) EditMessage(ctx context.Context, messageID, newContent string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`,
		newContent, timeToStr(nowUTC()), messageID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "message")
}

// DeleteMessageAndAfter deletes messageID and every later message in the
// session. ULID ordering makes "later" a plain string comparison.
func (s *Store) DeleteMessageAndAfter(ctx context.Context, sessionID, messageID string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND id >= ?`, sessionID, messageID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "message")
}

// CopyMessagesUpTo copies every message in fromSessionID with id <= uptoMessageID
// into toSessionID, preserving ids, inside one transaction.
func (s *Store) CopyMessagesUpTo(ctx context.Context, fromSessionID, toSessionID, uptoMessageID string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, role, content, provider, model, created_at, edited_at,
		 input_tokens, output_tokens, total_tokens
		 FROM messages WHERE session_id = ? AND id <= ? ORDER BY id ASC`,
		fromSessionID, uptoMessageID,
	)
	if err != nil {
		return err
	}

	type row struct {
		id, role, content                     string
		provider, model                       sql.NullString
		createdAt                             string
		editedAt                              sql.NullString
		inputTokens, outputTokens, totalTokens sql.NullInt64
	}
	var copies []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.role, &r.content, &r.provider, &r.model,
			&r.createdAt, &r.editedAt, &r.inputTokens, &r.outputTokens, &r.totalTokens); err != nil {
			rows.Close()
			return err
		}
		copies = append(copies, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range copies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, provider, model, created_at,
			 edited_at, input_tokens, output_tokens, total_tokens)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.id, toSessionID, r.role, r.content, r.provider, r.model, r.createdAt,
			r.editedAt, r.inputTokens, r.outputTokens, r.totalTokens,
		); err != nil {
			return fmt.Errorf("copy message %s: %w", r.id, err)
		}
	}

	return tx.Commit()
}

func scanMessage(s scanner) (*chatgateway.Message, error) {
	var m chatgateway.Message
	var provider, model, editedAt sql.NullString
	var createdAt string
	var input, output, total sql.NullInt64

	if err := s.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &provider, &model,
		&createdAt, &editedAt, &input, &output, &total); err != nil {
		return nil, notFoundErr(err)
	}

	m.Provider = strPtr(provider)
	m.Model = strPtr(model)
	m.CreatedAt = parseTime(createdAt)
	m.EditedAt = parseTimePtr(editedAt)
	if input.Valid || output.Valid || total.Valid {
		m.TokenUsage = &chatgateway.TokenUsage{
			InputTokens:  int(input.Int64),
			OutputTokens: int(output.Int64),
			TotalTokens:  int(total.Int64),
		}
	}
	return &m, nil
}

type usageField int

const (
	usageInput usageField = iota
	usageOutput
	usageTotal
)

func tokenField(u *chatgateway.TokenUsage, f usageField) sql.NullInt64 {
	if u == nil {
		return sql.NullInt64{}
	}
	switch f {
	case usageInput:
		return sql.NullInt64{Int64: int64(u.InputTokens), Valid: true}
	case usageOutput:
		return sql.NullInt64{Int64: int64(u.OutputTokens), Valid: true}
	default:
		return sql.NullInt64{Int64: int64(u.TotalTokens), Valid: true}
	}
}
