package sqlite

import (
	"context"
	"database/sql"

	chatgateway "github.com/eugener/chatgate/internal"
)

// StoreKey inserts or replaces an encrypted per-user provider key.
func (s *Store) StoreKey(ctx context.Context, rec *chatgateway.ApiKeyRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_key_records (user_id, provider, ciphertext, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET ciphertext = excluded.ciphertext, created_at = excluded.created_at`,
		rec.UserID, rec.Provider, rec.Ciphertext, timeToStr(rec.CreatedAt), timePtrToStr(rec.LastUsedAt),
	)
	return err
}

// GetKey retrieves the encrypted record for (userID, provider).
func (s *Store) GetKey(ctx context.Context, userID, provider string) (*chatgateway.ApiKeyRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT user_id, provider, ciphertext, created_at, last_used_at
		 FROM api_key_records WHERE user_id = ? AND provider = ?`, userID, provider)
	return scanKeyRecord(row)
}

// ListKeys returns the has-key summary for every provider the user has stored a key for.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]chatgateway.ApiKeySummary, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, last_used_at FROM api_key_records WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatgateway.ApiKeySummary
	for rows.Next() {
		var provider string
		var lastUsedAt sql.NullString
		if err := rows.Scan(&provider, &lastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, chatgateway.ApiKeySummary{
			Provider:   provider,
			HasKey:     true,
			LastUsedAt: parseTimePtr(lastUsedAt),
		})
	}
	return out, rows.Err()
}

// DeleteKey removes the stored key for (userID, provider).
func (s *Store) DeleteKey(ctx context.Context, userID, provider string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM api_key_records WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key record")
}

// TouchKeyUsed updates last_used_at for (userID, provider).
func (s *Store) TouchKeyUsed(ctx context.Context, userID, provider string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_key_records SET last_used_at = ? WHERE user_id = ? AND provider = ?`,
		timeToStr(nowUTC()), userID, provider,
	)
	return err
}

func scanKeyRecord(row scanner) (*chatgateway.ApiKeyRecord, error) {
	var rec chatgateway.ApiKeyRecord
	var createdAt string
	var lastUsedAt sql.NullString
	if err := row.Scan(&rec.UserID, &rec.Provider, &rec.Ciphertext, &createdAt, &lastUsedAt); err != nil {
		return nil, notFoundErr(err)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.LastUsedAt = parseTimePtr(lastUsedAt)
	return &rec, nil
}
