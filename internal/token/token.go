// Package token generates and verifies the opaque tokens handed out by the
// coordinator: exporter session tokens and reservation tokens. Only hashes
// are stored server-side for exporter tokens; reservation tokens double as
// their own lookup key.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// NewExporterToken creates an exporter session token with the format
// lge_<random> and returns the cleartext together with its storage hash.
func NewExporterToken() (cleartext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	cleartext = "lge_" + hex.EncodeToString(raw)
	return cleartext, Hash(cleartext), nil
}

// NewReservationToken returns a random reservation token.
func NewReservationToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Hash returns the hex SHA-256 of a token for DB storage and lookup.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Verify compares a cleartext token against a stored hash in constant time.
func Verify(cleartext, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(cleartext)), []byte(hash)) == 1
}
