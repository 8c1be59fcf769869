package sqlite

import (
	"context"
	"database/sql"

	chatgateway "github.com/eugener/chatgate/internal"
)

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *chatgateway.Session) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, name, created_at, updated_at, parent_session_id, branch_point_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Name, timeToStr(sess.CreatedAt), timeToStr(sess.UpdatedAt),
		nullStrPtr(sess.ParentSessionID), nullStrPtr(sess.BranchPointMessageID),
	)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*chatgateway.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at, parent_session_id, branch_point_message_id
		 FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// ListSessions returns a page of session summaries for a user, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string, offset, limit int) ([]chatgateway.SessionSummary, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT s.id, s.name, s.updated_at, COUNT(m.id)
		 FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		 WHERE s.user_id = ?
		 GROUP BY s.id
		 ORDER BY s.updated_at DESC
		 LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatgateway.SessionSummary
	for rows.Next() {
		var sum chatgateway.SessionSummary
		var updatedAt string
		if err := rows.Scan(&sum.ID, &sum.Name, &updatedAt, &sum.MessageCount); err != nil {
			return nil, err
		}
		sum.UpdatedAt = parseTime(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RenameSession updates a session's display name.
func (s *Store) RenameSession(ctx context.Context, sessionID, name string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET name = ? WHERE id = ?`, name, sessionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// DeleteSession deletes a session; messages cascade via the foreign key.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// TouchSession bumps updated_at to now.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, timeToStr(nowUTC()), sessionID)
	return err
}

func scanSession(row scanner) (*chatgateway.Session, error) {
	var sess chatgateway.Session
	var createdAt, updatedAt string
	var parentID, branchPointID sql.NullString
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Name, &createdAt, &updatedAt, &parentID, &branchPointID); err != nil {
		return nil, notFoundErr(err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.ParentSessionID = strPtr(parentID)
	sess.BranchPointMessageID = strPtr(branchPointID)
	return &sess, nil
}

func nullStrPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullStr(*s)
}
