package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidPassword is returned by Password.Check on a mismatch.
var ErrInvalidPassword = errors.New("auth: invalid password")

var errMissingToken = errors.New("auth: missing bearer token")

// DefaultCost is the bcrypt work factor for the configured password.
// Roughly 250ms per check on a modern machine, which also slows guessing
// through /auth/token.
const DefaultCost = 12

// Password holds the bcrypt hash of the configured API password. The
// plaintext is hashed once at start-up and never kept.
//
// bcrypt embeds the salt and cost in the hash:
//
//	$2a$12$<22-char salt><31-char hash>
type Password struct {
	hash []byte
}

// NewPassword hashes plaintext with the given cost. Tests pass
// bcrypt.MinCost to stay fast.
func NewPassword(plaintext string, cost int) (*Password, error) {
	if plaintext == "" {
		return nil, errors.New("auth: password must not be empty")
	}
	if len(plaintext) > 72 {
		// bcrypt silently truncates longer input.
		return nil, errors.New("auth: password must be 72 bytes or fewer")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hashing password: %w", err)
	}
	return &Password{hash: hashed}, nil
}

// Check compares plaintext against the stored hash in constant time.
func (p *Password) Check(plaintext string) error {
	err := bcrypt.CompareHashAndPassword(p.hash, []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidPassword
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
