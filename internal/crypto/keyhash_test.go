package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal — looks non-random", n)
	}

	zero := make([]byte, n)
	if bytes.Equal(a, zero) {
		t.Fatalf("RandBytes returned all zeros")
	}
}

func TestHashKey_DeterministicOnSameInput(t *testing.T) {
	t.Parallel()

	key := []byte("the-admin-key")
	salt := []byte("NaCl-16-bytes?")

	h1 := HashKey(key, salt)
	h2 := HashKey(key, salt)

	if len(h1) == 0 || len(h2) == 0 {
		t.Fatalf("empty hash")
	}
	if !bytes.Equal(h1, h2) {
		t.Fatalf("hash not deterministic for same input")
	}

	h3 := HashKey(key, []byte("another-salt----"))
	if bytes.Equal(h1, h3) {
		t.Fatalf("hash should differ when salt differs")
	}

	h4 := HashKey([]byte("the-admin-key!"), salt)
	if bytes.Equal(h1, h4) {
		t.Fatalf("hash should differ when key differs")
	}
}

func TestVerifyKey(t *testing.T) {
	t.Parallel()

	key := []byte("correct horse battery staple")
	salt := []byte("salty-salt-123456")

	hash := HashKey(key, salt)

	if !VerifyKey(key, salt, hash) {
		t.Fatalf("VerifyKey: expected true for correct key")
	}
	if VerifyKey([]byte("wrong"), salt, hash) {
		t.Fatalf("VerifyKey: expected false for wrong key")
	}
	if VerifyKey(key, []byte("wrong-salt"), hash) {
		t.Fatalf("VerifyKey: expected false for wrong salt")
	}
	if VerifyKey([]byte{}, salt, hash) {
		t.Fatalf("VerifyKey: expected false for empty key")
	}
}
