package encryptfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/hkdf"
)

// Interface is a semantic-versioning descriptor for a cipher, name codec, or
// on-disk format, matching the compatibility model of the original
// EncFS "Interface" triple: a consumer at Current C accepts a producer at
// Current P when P.Current - P.Age <= C.Current <= P.Current.
type Interface struct {
	Name     string
	Current  int
	Revision int
	Age      int
}

// Compatible reports whether other (the interface actually present on disk)
// can be consumed by this interface (the one compiled into the running
// code).
func (i Interface) Compatible(other Interface) bool {
	if i.Name != other.Name {
		return false
	}
	lo := other.Current - other.Age
	return other.Current-lo >= 0 && i.Current >= lo && i.Current <= other.Current
}

func (i Interface) String() string {
	return fmt.Sprintf("%s,%d,%d", i.Name, i.Current, i.Revision)
}

var (
	aesInterface      = Interface{Name: "ssl/aes", Current: 3, Revision: 0, Age: 2}
	blowfishInterface = Interface{Name: "ssl/blowfish", Current: 3, Revision: 0, Age: 2}
	streamNameIface   = Interface{Name: "nameio/stream", Current: 2, Revision: 1, Age: 2}
	blockNameIface    = Interface{Name: "nameio/block", Current: 4, Revision: 0, Age: 2}
	nullNameIface     = Interface{Name: "nameio/null", Current: 1, Revision: 0, Age: 0}
)

// CipherAlgorithm is the "Cipher capability" of §3/§4.7: a polymorphic
// object exposing block and stream transforms on buffers keyed by a
// CipherKey, plus keyed MACs and randomness. Two concrete backends are
// wired (AES, Blowfish); the FS configuration selects one by Interface name
// at mount time.
type CipherAlgorithm interface {
	Interface() Interface
	CipherBlockSize() int
	KeySize() int

	NewKey(secret []byte) (*CipherKey, error)
	RandomBytes(buf []byte) error

	// BlockEncode/BlockDecode operate on buffers whose length is a
	// multiple of CipherBlockSize, keyed by a 64-bit IV.
	BlockEncode(buf []byte, iv uint64, key *CipherKey) error
	BlockDecode(buf []byte, iv uint64, key *CipherKey) error

	// StreamEncode/StreamDecode operate on arbitrary-length buffers
	// in place (CFB-style; length is preserved).
	StreamEncode(buf []byte, iv uint64, key *CipherKey) error
	StreamDecode(buf []byte, iv uint64, key *CipherKey) error

	// MAC64/MAC16 compute a keyed MAC over data, optionally chaining a
	// caller-supplied IV into both the digest input and the returned
	// value (mirroring encfs's MAC_64/MAC_16 chaining convention).
	MAC64(data []byte, key *CipherKey, chainedIV *uint64) uint64
	MAC16(data []byte, key *CipherKey, chainedIV *uint64) uint16
}

// ivBlock renders a 64-bit block/stream IV as an 8-byte big-endian value
// used to seed CBC/CFB mode. For ciphers whose native block is larger than
// 8 bytes (AES) the result is blockSize long, with the 8 IV bytes at the
// end and the leading bytes zero.
func ivBlock(iv uint64, blockSize int) []byte {
	full := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		full[i] = byte(iv)
		iv >>= 8
	}
	if blockSize <= 8 {
		return full
	}
	out := make([]byte, blockSize)
	copy(out[blockSize-8:], full)
	return out
}

// -- AES backend --------------------------------------------------------

type aesAlgorithm struct{ keySize int }

// NewAESAlgorithm returns the AES cipher capability for the given key size
// in bytes (16, 24, or 32).
func NewAESAlgorithm(keySize int) CipherAlgorithm { return &aesAlgorithm{keySize: keySize} }

func (a *aesAlgorithm) Interface() Interface  { return aesInterface }
func (a *aesAlgorithm) CipherBlockSize() int  { return aes.BlockSize }
func (a *aesAlgorithm) KeySize() int          { return a.keySize }
func (a *aesAlgorithm) RandomBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}

func (a *aesAlgorithm) NewKey(secret []byte) (*CipherKey, error) {
	return newCipherKey(a, secret)
}

func (a *aesAlgorithm) BlockEncode(buf []byte, iv uint64, key *CipherKey) error {
	return blockCrypt(a, buf, iv, key, true)
}

func (a *aesAlgorithm) BlockDecode(buf []byte, iv uint64, key *CipherKey) error {
	return blockCrypt(a, buf, iv, key, false)
}

func (a *aesAlgorithm) StreamEncode(buf []byte, iv uint64, key *CipherKey) error {
	return streamCrypt(a, buf, iv, key, true)
}

func (a *aesAlgorithm) StreamDecode(buf []byte, iv uint64, key *CipherKey) error {
	return streamCrypt(a, buf, iv, key, false)
}

func (a *aesAlgorithm) MAC64(data []byte, key *CipherKey, chainedIV *uint64) uint64 {
	return macN(key, data, chainedIV, 64)
}

func (a *aesAlgorithm) MAC16(data []byte, key *CipherKey, chainedIV *uint64) uint16 {
	return uint16(macN(key, data, chainedIV, 16))
}

// -- Blowfish backend -----------------------------------------------------

type blowfishAlgorithm struct{ keySize int }

// NewBlowfishAlgorithm returns the Blowfish cipher capability for the given
// key size in bytes (up to 56).
func NewBlowfishAlgorithm(keySize int) CipherAlgorithm {
	return &blowfishAlgorithm{keySize: keySize}
}

func (b *blowfishAlgorithm) Interface() Interface { return blowfishInterface }
func (b *blowfishAlgorithm) CipherBlockSize() int { return blowfish.BlockSize }
func (b *blowfishAlgorithm) KeySize() int         { return b.keySize }
func (b *blowfishAlgorithm) RandomBytes(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

func (b *blowfishAlgorithm) NewKey(secret []byte) (*CipherKey, error) {
	return newCipherKey(b, secret)
}

func (b *blowfishAlgorithm) BlockEncode(buf []byte, iv uint64, key *CipherKey) error {
	return blockCrypt(b, buf, iv, key, true)
}

func (b *blowfishAlgorithm) BlockDecode(buf []byte, iv uint64, key *CipherKey) error {
	return blockCrypt(b, buf, iv, key, false)
}

func (b *blowfishAlgorithm) StreamEncode(buf []byte, iv uint64, key *CipherKey) error {
	return streamCrypt(b, buf, iv, key, true)
}

func (b *blowfishAlgorithm) StreamDecode(buf []byte, iv uint64, key *CipherKey) error {
	return streamCrypt(b, buf, iv, key, false)
}

func (b *blowfishAlgorithm) MAC64(data []byte, key *CipherKey, chainedIV *uint64) uint64 {
	return macN(key, data, chainedIV, 64)
}

func (b *blowfishAlgorithm) MAC16(data []byte, key *CipherKey, chainedIV *uint64) uint16 {
	return uint16(macN(key, data, chainedIV, 16))
}

// -- shared primitive helpers ---------------------------------------------

func newBlockCipher(algo CipherAlgorithm, key []byte) (cipher.Block, error) {
	switch algo.(type) {
	case *aesAlgorithm:
		return aes.NewCipher(key)
	case *blowfishAlgorithm:
		return blowfish.NewCipher(key)
	default:
		return nil, fmt.Errorf("unknown cipher algorithm %T", algo)
	}
}

// blockCrypt implements CipherFileIO/BlockNameIO's "block" transform: CBC
// under an IV derived from the 64-bit chained value, operating in place.
// Buffer length must be a multiple of the cipher's native block size.
func blockCrypt(algo CipherAlgorithm, buf []byte, iv uint64, key *CipherKey, encode bool) error {
	bs := algo.CipherBlockSize()
	if len(buf)%bs != 0 {
		return NewInvariantError("cipherAlgorithm.BlockEncode", "buffer length not a multiple of cipher block size")
	}
	key.mu.Lock()
	defer key.mu.Unlock()

	block, err := newBlockCipher(algo, key.encKey)
	if err != nil {
		return err
	}
	ivBuf := ivBlock(iv, bs)
	if encode {
		cipher.NewCBCEncrypter(block, ivBuf).CryptBlocks(buf, buf)
	} else {
		cipher.NewCBCDecrypter(block, ivBuf).CryptBlocks(buf, buf)
	}
	return nil
}

// streamCrypt implements the "stream" transform: CFB, which allows
// arbitrary-length in-place buffers and is its own inverse in terms of
// keystream generation (encode/decode differ only in feedback direction).
func streamCrypt(algo CipherAlgorithm, buf []byte, iv uint64, key *CipherKey, encode bool) error {
	if len(buf) == 0 {
		return nil
	}
	key.mu.Lock()
	defer key.mu.Unlock()

	block, err := newBlockCipher(algo, key.encKey)
	if err != nil {
		return err
	}
	bs := algo.CipherBlockSize()
	ivBuf := ivBlock(iv, bs)
	var stream cipher.Stream
	if encode {
		stream = cipher.NewCFBEncrypter(block, ivBuf)
	} else {
		stream = cipher.NewCFBDecrypter(block, ivBuf)
	}
	stream.XORKeyStream(buf, buf)
	return nil
}

// macN computes an HMAC-SHA1 over data (optionally chained with an inbound
// IV per StreamNameIO/MACFileIO's convention), folds the digest down to the
// requested bit width by XOR, and returns the resulting value. When
// chainedIV is non-nil, it is both mixed into the input and updated in
// place with the result, matching the C++ MAC_64 signature.
func macN(key *CipherKey, data []byte, chainedIV *uint64, bits int) uint64 {
	key.mu.Lock()
	macKey := key.macKey
	key.mu.Unlock()

	h := hmac.New(sha1.New, macKey)
	h.Write(data)
	if chainedIV != nil {
		var ivBytes [8]byte
		tmp := *chainedIV
		for i := 7; i >= 0; i-- {
			ivBytes[i] = byte(tmp)
			tmp >>= 8
		}
		h.Write(ivBytes[:])
	}
	digest := h.Sum(nil)

	var folded [8]byte
	for i, b := range digest {
		folded[i%8] ^= b
	}
	var value uint64
	for _, b := range folded {
		value = (value << 8) | uint64(b)
	}

	if chainedIV != nil {
		*chainedIV = value
	}
	if bits < 64 {
		value &= (1 << uint(bits)) - 1
	}
	return value
}

// deriveMACKey derives a MAC key independent of the cipher's encryption key
// via HKDF-SHA256, rather than reusing the raw key bytes for both purposes.
func deriveMACKey(secret []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("encfs-mac-key"))
	if _, err := kdf.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
