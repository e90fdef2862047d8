package encryptfs

import (
	"sync"
)

// CipherKey is the opaque, owned key handle of §3: encryption key bytes, a
// derived MAC key, and the mutex serializing use of both across the block,
// cipher, MAC, and name-codec layers that share one mount's key. Shared by
// every I/O object of a mount; lifetime = mount lifetime.
type CipherKey struct {
	mu     sync.Mutex
	encKey []byte
	macKey []byte
	locked bool
}

// newCipherKey builds a CipherKey for algo from raw secret bytes: the
// leading algo.KeySize() bytes become the encryption key, and an
// independent MAC key is derived from the whole secret via HKDF (rather
// than reusing encKey, unlike the original's single-context OpenSSL EVP
// key which serves both roles).
func newCipherKey(algo CipherAlgorithm, secret []byte) (*CipherKey, error) {
	if err := ValidateKey(secret, algo.KeySize()); err != nil {
		if len(secret) < algo.KeySize() {
			return nil, err
		}
		// longer-than-KeySize secrets are fine: newCipherKey only consumes
		// the leading KeySize bytes as the cipher key and derives the MAC
		// key from the whole secret.
	}

	k := &CipherKey{
		encKey: make([]byte, algo.KeySize()),
	}
	copy(k.encKey, secret[:algo.KeySize()])

	macKey, err := deriveMACKey(secret, 20)
	if err != nil {
		return nil, err
	}
	k.macKey = macKey

	lockMemory(k.encKey)
	lockMemory(k.macKey)
	k.locked = true

	return k, nil
}

// Secret returns a copy of the raw encryption-key bytes, needed only to
// re-wrap the master key under a new KEK during a password change
// (key_rotation.go). Callers must zero the returned slice once done.
func (k *CipherKey) Secret() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]byte, len(k.encKey))
	copy(out, k.encKey)
	return out
}

// Zero wipes the key material and releases any locked-memory pages. Callers
// must call Zero when a mount is torn down; the CipherKey must not be used
// afterward.
func (k *CipherKey) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locked {
		unlockMemory(k.encKey)
		unlockMemory(k.macKey)
		k.locked = false
	}
	for i := range k.encKey {
		k.encKey[i] = 0
	}
	for i := range k.macKey {
		k.macKey[i] = 0
	}
}
