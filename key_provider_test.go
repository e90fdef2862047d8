package encryptfs

import (
	"bytes"
	"testing"
)

// TestPasswordKeyProviderDefaultKeySizeMatchesKEK pins the default derived
// key length to kekSize: CreateMount/OpenMount reject any KeyProvider whose
// DeriveKey doesn't return exactly kekSize bytes, so a caller that doesn't
// override KeySize must still get a usable provider.
func TestPasswordKeyProviderDefaultKeySizeMatchesKEK(t *testing.T) {
	kp := NewPasswordKeyProvider([]byte("hunter2"), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	})

	salt, err := kp.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	key, err := kp.DeriveKey(salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(key) != kekSize {
		t.Fatalf("DeriveKey returned %d bytes, want %d", len(key), kekSize)
	}
}

func TestPasswordKeyProviderPBKDF2DefaultKeySizeMatchesKEK(t *testing.T) {
	kp := NewPasswordKeyProviderPBKDF2([]byte("hunter2"), PBKDF2Params{
		Iterations: 1,
		HashFunc:   SHA256,
	})

	salt, err := kp.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	key, err := kp.DeriveKey(salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(key) != kekSize {
		t.Fatalf("DeriveKey returned %d bytes, want %d", len(key), kekSize)
	}
}

func TestPasswordKeyProviderDeriveKeyIsDeterministic(t *testing.T) {
	kp := NewPasswordKeyProvider([]byte("hunter2"), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	})
	salt, err := kp.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}

	a, err := kp.DeriveKey(salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := kp.DeriveKey(salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("DeriveKey should be deterministic for the same password and salt")
	}

	other, err := kp.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	c, err := kp.DeriveKey(other)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatal("DeriveKey should differ across independently generated salts")
	}
}

func TestPasswordKeyProviderRejectsEmptyPasswordOrSalt(t *testing.T) {
	kp := NewPasswordKeyProvider([]byte("hunter2"), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	})
	if _, err := kp.DeriveKey(nil); err == nil {
		t.Fatal("DeriveKey should reject an empty salt")
	}

	empty := NewPasswordKeyProvider(nil, Argon2idParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1})
	salt, err := empty.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	if _, err := empty.DeriveKey(salt); err == nil {
		t.Fatal("DeriveKey should reject an empty password")
	}
}

func TestEnvKeyProviderReadsFromEnvironment(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	t.Setenv("ENCRYPTFS_TEST_KEY", string(key))

	ep := NewEnvKeyProvider("ENCRYPTFS_TEST_KEY")
	got, err := ep.DeriveKey(nil)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("DeriveKey mismatch: got %q want %q", got, key)
	}
}

func TestEnvKeyProviderMissingVariable(t *testing.T) {
	ep := NewEnvKeyProvider("ENCRYPTFS_TEST_KEY_UNSET")
	if _, err := ep.DeriveKey(nil); err == nil {
		t.Fatal("DeriveKey should fail when the environment variable is unset")
	}
}
