// Package auth covers credential handling for the API: password hashing,
// access tokens, and invitation tokens for device enrollment.
package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/aegis-siem/aegis/internal/errors"
)

const (
	// BcryptCost is the cost factor for bcrypt hashing.
	// Higher values are more secure but slower.
	BcryptCost = 12

	// MinPasswordLength is the minimum required password length.
	MinPasswordLength = 8
)

// HashPassword generates a bcrypt hash from a plain text password. The only
// runtime failure is a password over bcrypt's 72-byte limit, so errors are
// reported as validation.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", errors.Validation("auth.hash_password", "unusable password: %v", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plain text password with a hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// ValidatePasswordComplexity checks if a password meets the length floor.
// No character-class requirements; length is what matters.
func ValidatePasswordComplexity(password string) error {
	if len(password) < MinPasswordLength {
		return errors.Validation("auth.password_complexity",
			"password must be at least %d characters long", MinPasswordLength)
	}
	return nil
}
