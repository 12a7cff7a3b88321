// Package seal encrypts item payloads on the client side. The server only
// ever sees the sealed blob, so a passphrase shared out of band keeps the
// payload private even from the service operator.
package seal

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltLen = 16
	keyLen  = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var errTooShort = errors.New("sealed blob too short")

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Seal encrypts plaintext under a passphrase-derived key. The output is
// salt || nonce || ciphertext.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same passphrase.
func Open(passphrase string, blob []byte) ([]byte, error) {
	if len(blob) < saltLen+chacha20poly1305.NonceSizeX {
		return nil, errTooShort
	}
	salt := blob[:saltLen]
	nonce := blob[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	ct := blob[saltLen+chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, nil)
}
