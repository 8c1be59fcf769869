package sqlite

import (
	"context"

	chatgateway "github.com/eugener/chatgate/internal"
)

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u *chatgateway.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, password_hash, role, created_at, is_active) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.PasswordHash, u.Role, timeToStr(u.CreatedAt), boolToInt(u.IsActive),
	)
	return err
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*chatgateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, password_hash, role, created_at, is_active FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by id used as the username (ids are
// chosen by the caller at registration time and double as login names).
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*chatgateway.User, error) {
	return s.GetUser(ctx, username)
}

// UpdatePassword sets a new password hash for a user.
func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// DeactivateUser soft-deletes a user by flipping is_active to false.
func (s *Store) DeactivateUser(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func scanUser(row scanner) (*chatgateway.User, error) {
	var u chatgateway.User
	var createdAt string
	var isActive int
	if err := row.Scan(&u.ID, &u.PasswordHash, &u.Role, &createdAt, &isActive); err != nil {
		return nil, notFoundErr(err)
	}
	u.CreatedAt = parseTime(createdAt)
	u.IsActive = isActive != 0
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
