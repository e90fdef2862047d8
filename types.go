package encryptfs

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// CipherChoice selects a concrete cipher algorithm and key size for a new
// mount. Existing mounts read their cipher choice back out of the FS
// configuration's Interface + KeySize fields instead.
type CipherChoice uint8

const (
	// CipherAES256 selects AES with a 256-bit key (the default).
	CipherAES256 CipherChoice = iota
	// CipherAES192 selects AES with a 192-bit key.
	CipherAES192
	// CipherAES128 selects AES with a 128-bit key.
	CipherAES128
	// CipherBlowfish selects Blowfish with a 256-bit key.
	CipherBlowfish
)

func (c CipherChoice) String() string {
	switch c {
	case CipherAES256:
		return "aes-256"
	case CipherAES192:
		return "aes-192"
	case CipherAES128:
		return "aes-128"
	case CipherBlowfish:
		return "blowfish-256"
	default:
		return "unknown"
	}
}

// algorithm returns the CipherAlgorithm implementing this choice.
func (c CipherChoice) algorithm() (CipherAlgorithm, error) {
	switch c {
	case CipherAES256:
		return NewAESAlgorithm(32), nil
	case CipherAES192:
		return NewAESAlgorithm(24), nil
	case CipherAES128:
		return NewAESAlgorithm(16), nil
	case CipherBlowfish:
		return NewBlowfishAlgorithm(32), nil
	default:
		return nil, ErrUnsupportedCipher
	}
}

// NameCodecChoice selects a name codec for a new mount.
type NameCodecChoice uint8

const (
	// NameCodecBlock uses the block name codec (PKCS#7-padded block
	// cipher encoding). Default: filenames of any length round-trip
	// without the stream codec's chained-IV read-compatibility baggage.
	NameCodecBlock NameCodecChoice = iota
	// NameCodecStream uses the stream name codec (shortest ciphertext
	// names, CFB-based).
	NameCodecStream
	// NameCodecNull disables filename encryption entirely.
	NameCodecNull
)

// HashFunc represents hash function types for PBKDF2-based key providers.
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// HashFuncToHash converts HashFunc to a hash.Hash constructor.
func HashFuncToHash(hf HashFunc) func() hash.Hash {
	switch hf {
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// PBKDF2Params contains parameters for PBKDF2 key derivation.
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended); 0 selects 100,000 (the count is not auto-tuned)
	HashFunc   HashFunc // Hash function to use
	SaltSize   int      // Salt size in bytes (default 32)
	KeySize    int      // Derived key size in bytes (default 64, sized for AES-SIV master-key wrapping)
}

// Argon2idParams contains parameters for Argon2id key derivation.
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32)
	KeySize     int    // Derived key size in bytes (default 64, sized for AES-SIV master-key wrapping)
}

// KeyProvider supplies the master key used to wrap/unwrap a mount's config
// key blob (§3 "KeyProvider").
type KeyProvider interface {
	// DeriveKey derives a wrapping key from the given salt.
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt appropriate for this
	// provider.
	GenerateSalt() ([]byte, error)
}

// Config describes how to create or open a mount: the cipher and name
// codec choices for a new mount, block layout, and the KeyProvider used to
// wrap/unwrap the master key. Opening an existing mount only needs
// KeyProvider; the rest is read back from the on-disk FS configuration.
type Config struct {
	Cipher     CipherChoice
	NameCodec  NameCodecChoice
	BlockSize  int
	MACBytes   int // 0-8
	RandBytes  int // per-block random header size
	UniqueIV   bool
	ChainedIV  bool
	ExternalIV bool
	AllowHoles bool
	Reverse    bool

	KeyProvider KeyProvider
}

// Validate checks that a Config describes a legal mount.
func (c *Config) Validate() error {
	if c == nil {
		return NewValidationError("config", nil, "config cannot be nil")
	}
	if c.KeyProvider == nil {
		return NewValidationError("KeyProvider", nil, "key provider cannot be nil")
	}
	if c.BlockSize <= 0 {
		return NewValidationError("BlockSize", c.BlockSize, "block size must be positive")
	}
	if c.MACBytes < 0 || c.MACBytes > 8 {
		return NewValidationError("MACBytes", c.MACBytes, "must be in [0,8]")
	}
	if c.RandBytes < 0 {
		return NewValidationError("RandBytes", c.RandBytes, "must be non-negative")
	}
	algo, err := c.Cipher.algorithm()
	if err != nil {
		return err
	}
	if c.BlockSize%algo.CipherBlockSize() != 0 {
		return NewValidationError("BlockSize", c.BlockSize, "must be a multiple of the cipher block size")
	}
	if c.BlockSize-c.MACBytes-c.RandBytes <= 0 {
		return NewValidationError("BlockSize", c.BlockSize, "block size too small for MAC/random header")
	}
	if c.Reverse && c.UniqueIV {
		// legal to configure; writes are simply rejected at runtime (§4.2)
	}
	return nil
}

// DefaultConfig returns the recommended configuration for a new mount:
// AES-256, block name codec, 1024-byte blocks, 8-byte block MAC, unique
// per-file IVs, and chained name IVs.
func DefaultConfig(kp KeyProvider) *Config {
	return &Config{
		Cipher:      CipherAES256,
		NameCodec:   NameCodecBlock,
		BlockSize:   1024,
		MACBytes:    8,
		RandBytes:   0,
		UniqueIV:    true,
		ChainedIV:   true,
		ExternalIV:  true,
		AllowHoles:  true,
		KeyProvider: kp,
	}
}
