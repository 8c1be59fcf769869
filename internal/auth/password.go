// Package auth implements password hashing and signed identity tokens for
// the chat gateway's single-user-account model.
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 8

// DefaultBcryptCost is the bcrypt work factor applied to new passwords.
const DefaultBcryptCost = bcrypt.DefaultCost

var (
	ErrPasswordEmpty    = errors.New("auth: password cannot be empty")
	ErrPasswordTooShort = errors.New("auth: password must be at least 8 characters")
)

// ValidatePassword enforces the minimum length policy.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// HashPassword creates a bcrypt hash of the plaintext password.
func HashPassword(plaintext string) (string, error) {
	if err := ValidatePassword(plaintext); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), DefaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckPassword reports whether plaintext matches the stored bcrypt hash.
func CheckPassword(hash, plaintext string) bool {
	if hash == "" || plaintext == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
