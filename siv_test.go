package encryptfs

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestWrapMasterKeyRoundTrip(t *testing.T) {
	kek := randomBytes(t, 64)
	masterKey := randomBytes(t, 32)

	wrapped, err := wrapMasterKey(kek, masterKey, "ssl/aes,3,0", "nameio/block,4,0")
	if err != nil {
		t.Fatalf("wrapMasterKey: %v", err)
	}
	if bytes.Contains(wrapped, masterKey) {
		t.Fatal("wrapped blob must not contain the master key in the clear")
	}

	got, err := unwrapMasterKey(kek, wrapped, "ssl/aes,3,0", "nameio/block,4,0")
	if err != nil {
		t.Fatalf("unwrapMasterKey: %v", err)
	}
	if !bytes.Equal(got, masterKey) {
		t.Fatalf("unwrapped key mismatch:\ngot:  %x\nwant: %x", got, masterKey)
	}
}

func TestWrapMasterKeyDeterministic(t *testing.T) {
	kek := randomBytes(t, 64)
	masterKey := randomBytes(t, 32)

	a, err := wrapMasterKey(kek, masterKey, "ssl/aes,3,0")
	if err != nil {
		t.Fatalf("wrapMasterKey: %v", err)
	}
	b, err := wrapMasterKey(kek, masterKey, "ssl/aes,3,0")
	if err != nil {
		t.Fatalf("wrapMasterKey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("wrapping the same master key under the same KEK and associated data should be deterministic")
	}
}

func TestUnwrapMasterKeyRejectsWrongKEK(t *testing.T) {
	kek := randomBytes(t, 64)
	wrongKEK := randomBytes(t, 64)
	masterKey := randomBytes(t, 32)

	wrapped, err := wrapMasterKey(kek, masterKey, "ssl/aes,3,0")
	if err != nil {
		t.Fatalf("wrapMasterKey: %v", err)
	}
	if _, err := unwrapMasterKey(wrongKEK, wrapped, "ssl/aes,3,0"); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed with the wrong KEK, got %v", err)
	}
}

// TestUnwrapMasterKeyRejectsMismatchedAssociatedData confirms wrapMasterKey
// binds its blob to the mount's cipher/name-codec interface strings: a
// wrapped key from one configuration must not silently decrypt for another
// configuration under the same password.
func TestUnwrapMasterKeyRejectsMismatchedAssociatedData(t *testing.T) {
	kek := randomBytes(t, 64)
	masterKey := randomBytes(t, 32)

	wrapped, err := wrapMasterKey(kek, masterKey, "ssl/aes,3,0", "nameio/block,4,0")
	if err != nil {
		t.Fatalf("wrapMasterKey: %v", err)
	}
	if _, err := unwrapMasterKey(kek, wrapped, "ssl/blowfish,3,0", "nameio/block,4,0"); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for mismatched associated data, got %v", err)
	}
	if _, err := unwrapMasterKey(kek, wrapped, "ssl/aes,3,0"); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for a dropped associated data entry, got %v", err)
	}
}

func TestUnwrapMasterKeyRejectsTamperedBlob(t *testing.T) {
	kek := randomBytes(t, 64)
	masterKey := randomBytes(t, 32)

	wrapped, err := wrapMasterKey(kek, masterKey, "ssl/aes,3,0")
	if err != nil {
		t.Fatalf("wrapMasterKey: %v", err)
	}
	tampered := append([]byte(nil), wrapped...)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := unwrapMasterKey(kek, tampered, "ssl/aes,3,0"); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for a tampered blob, got %v", err)
	}
}

func TestWrapMasterKeyRejectsShortKEK(t *testing.T) {
	if _, err := wrapMasterKey(randomBytes(t, 32), []byte("secret")); err == nil {
		t.Fatal("wrapMasterKey should reject a KEK shorter than 64 bytes")
	}
}

func TestSIVEngineDecryptRejectsShortCiphertext(t *testing.T) {
	eng, err := NewSIVEngine(randomBytes(t, 64))
	if err != nil {
		t.Fatalf("NewSIVEngine: %v", err)
	}
	if _, err := eng.Decrypt(make([]byte, 4)); err == nil {
		t.Fatal("Decrypt should reject a ciphertext shorter than the SIV size")
	}
}
