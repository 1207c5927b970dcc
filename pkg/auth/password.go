// Package auth checks broker credentials stored as salted SHA-256 hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Credential is one broker login. Only the salt and hash are kept.
type Credential struct {
	Username string `mapstructure:"username"`
	Salt     string `mapstructure:"salt"`
	Hash     string `mapstructure:"hash"`
}

// Matches reports whether password hashes to c.Hash.
func (c Credential) Matches(password string) bool {
	got := HashPasswordWithSalt(password, c.Salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.Hash)) == 1
}

// HashPasswordWithSalt creates a SHA-256 hash of the password combined with the salt
func HashPasswordWithSalt(password, salt string) string {
	hasher := sha256.New()
	hasher.Write([]byte(password + salt))
	return hex.EncodeToString(hasher.Sum(nil))
}

// RandomHex generates a random hexadecimal string of n bytes
func RandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateHashAndSalt creates a new random salt and hashes the password with it
func GenerateHashAndSalt(password string) (hash string, salt string, err error) {
	salt, err = RandomHex(16)
	if err != nil {
		return "", "", err
	}
	return HashPasswordWithSalt(password, salt), salt, nil
}

// Ledger looks logins up by username.
type Ledger map[string]Credential

func NewLedger(creds []Credential) Ledger {
	l := make(Ledger, len(creds))
	for _, c := range creds {
		l[c.Username] = c
	}
	return l
}

// Validate returns false for unknown users as well as wrong passwords.
func (l Ledger) Validate(username, password string) bool {
	c, ok := l[username]
	if !ok {
		return false
	}
	return c.Matches(password)
}
