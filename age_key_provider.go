package encryptfs

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"filippo.io/age"
)

// AgeKeyProvider wraps the mount's wrapping key to one or more age
// recipients instead of deriving it from a password, giving a
// recipient-protected mount (an SSH key or X25519 identity unlocks it)
// alongside the teacher's password-only providers. The "salt" DeriveKey
// receives is reused as the age ciphertext blob: GenerateSalt produces a
// fresh random master secret, wraps it to the recipients, and returns the
// age payload as the persisted salt; DeriveKey unwraps that payload with
// the configured identities to recover the same secret.
type AgeKeyProvider struct {
	recipients []age.Recipient
	identities []age.Identity
	keySize    int
}

// NewAgeKeyProvider builds a provider that, for a new mount, wraps a fresh
// random secret to recipients, and for an existing mount, unwraps the
// persisted payload with identities. Either side may be supplied alone
// (identities-only openers never call GenerateSalt).
func NewAgeKeyProvider(recipients []age.Recipient, identities []age.Identity, keySize int) *AgeKeyProvider {
	if keySize == 0 {
		keySize = kekSize
	}
	return &AgeKeyProvider{recipients: recipients, identities: identities, keySize: keySize}
}

// GenerateSalt creates a random master secret and returns it encrypted to
// the provider's recipients as an age payload. This payload is what gets
// persisted as the FS configuration's salt field.
func (p *AgeKeyProvider) GenerateSalt() ([]byte, error) {
	if len(p.recipients) == 0 {
		return nil, NewValidationError("recipients", nil, "no age recipients configured")
	}

	secret := make([]byte, p.keySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate age-wrapped secret: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, p.recipients...)
	if err != nil {
		return nil, fmt.Errorf("age encrypt setup failed: %w", err)
	}
	if _, err := w.Write(secret); err != nil {
		return nil, fmt.Errorf("age encrypt write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt close failed: %w", err)
	}

	return buf.Bytes(), nil
}

// DeriveKey unwraps the age payload (previously produced by GenerateSalt)
// with the provider's identities, returning the recovered master secret.
func (p *AgeKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.identities) == 0 {
		return nil, NewValidationError("identities", nil, "no age identities configured")
	}

	r, err := age.Decrypt(bytes.NewReader(salt), p.identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt failed: %w", err)
	}

	secret, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age payload read failed: %w", err)
	}
	return secret, nil
}
