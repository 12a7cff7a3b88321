// Package crypto implements server-side hashing and verification of the
// admin key. The key itself is never stored, only its Argon2id hash.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashKey returns the Argon2id hash of key using the provided salt.
func HashKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyKey verifies key against an expected Argon2id hash and salt in
// constant time.
func VerifyKey(key, salt, expected []byte) bool {
	got := HashKey(key, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}
