package encryptfs

import (
	"encoding/base32"
	"encoding/base64"
	"strings"
)

// NameCodec transforms one UTF-8 path component between plaintext and
// ciphertext form, optionally chaining a 64-bit IV across components
// (§4.4). encodeName/decodeName IVs are pointers so a codec can both read
// the inbound chained IV and report the outbound one to the caller in a
// single call, matching StreamNameIO/BlockNameIO's signature.
type NameCodec interface {
	Interface() Interface
	MaxEncodedNameLen(plainLen int) int
	MaxDecodedNameLen(encLen int) int
	EncodeName(plaintext string, iv *uint64) (string, error)
	DecodeName(encoded string, iv *uint64) (string, error)
}

// b64 is the filesystem-safe unpadded base64 alphabet used for encoded
// names (case-sensitive, safe on POSIX filesystems).
var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// b32 is an unpadded base32 alphabet. No name codec in this package uses
// it: every codec encodes names with b64, including on case-insensitive
// filesystems.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// -- Null codec -------------------------------------------------------

type nullNameCodec struct{}

// NewNullNameCodec returns the identity name codec (§4.4: filename
// encryption disabled).
func NewNullNameCodec() NameCodec { return nullNameCodec{} }

func (nullNameCodec) Interface() Interface                            { return nullNameIface }
func (nullNameCodec) MaxEncodedNameLen(n int) int                     { return n }
func (nullNameCodec) MaxDecodedNameLen(n int) int                     { return n }
func (nullNameCodec) EncodeName(p string, iv *uint64) (string, error) { return p, nil }
func (nullNameCodec) DecodeName(e string, iv *uint64) (string, error) { return e, nil }

// -- Stream codec -------------------------------------------------------

// streamNameCodec implements StreamNameIO: encoded = base64(mac16(plain) ||
// streamEncode(plain, iv^mac)), with the two-byte MAC stored as a prefix
// (interface >= 1; the legacy suffix placement is not written, only
// documented as an open question in §9 since nothing in this repo needs to
// read pre-interface-1 archives).
type streamNameCodec struct {
	algo CipherAlgorithm
	key  *CipherKey
}

// NewStreamNameCodec returns the stream name codec keyed by key.
func NewStreamNameCodec(algo CipherAlgorithm, key *CipherKey) NameCodec {
	return &streamNameCodec{algo: algo, key: key}
}

func (c *streamNameCodec) Interface() Interface { return streamNameIface }

func (c *streamNameCodec) MaxEncodedNameLen(n int) int {
	return b64.EncodedLen(n + 2)
}

func (c *streamNameCodec) MaxDecodedNameLen(n int) int {
	return b64.DecodedLen(n) - 2
}

func (c *streamNameCodec) EncodeName(plaintext string, iv *uint64) (string, error) {
	var tmpIV uint64
	if iv != nil {
		tmpIV = *iv
	}

	plain := []byte(plaintext)
	mac := c.algo.MAC16(plain, c.key, iv)

	buf := make([]byte, len(plain)+2)
	buf[0] = byte(mac >> 8)
	buf[1] = byte(mac)
	copy(buf[2:], plain)

	if err := c.algo.StreamEncode(buf[2:], uint64(mac)^tmpIV, c.key); err != nil {
		return "", err
	}

	return b64.EncodeToString(buf), nil
}

func (c *streamNameCodec) DecodeName(encoded string, iv *uint64) (string, error) {
	if len(encoded) <= 2 {
		return "", NewCorruptionError(encoded, "encoded name too short to decode")
	}

	raw, err := b64.DecodeString(encoded)
	if err != nil {
		return "", NewCorruptionError(encoded, "base64 decode failed")
	}
	if len(raw) < 2 {
		return "", NewCorruptionError(encoded, "decoded name too short")
	}

	var tmpIV uint64
	if iv != nil {
		tmpIV = *iv
	}

	mac := uint16(raw[0])<<8 | uint16(raw[1])
	plain := make([]byte, len(raw)-2)
	copy(plain, raw[2:])

	if err := c.algo.StreamDecode(plain, uint64(mac)^tmpIV, c.key); err != nil {
		return "", err
	}

	mac2 := c.algo.MAC16(plain, c.key, iv)
	if mac2 != mac {
		return "", NewCorruptionError(encoded, "checksum mismatch in filename decode")
	}

	return string(plain), nil
}

// -- Block codec -------------------------------------------------------

// blockNameCodec implements BlockNameIO: PKCS#7-pad plaintext to a
// multiple of the cipher block size, prepend a 16-bit MAC, block-encrypt,
// base64-encode.
type blockNameCodec struct {
	algo CipherAlgorithm
	key  *CipherKey
}

// NewBlockNameCodec returns the block name codec keyed by key.
func NewBlockNameCodec(algo CipherAlgorithm, key *CipherKey) NameCodec {
	return &blockNameCodec{algo: algo, key: key}
}

func (c *blockNameCodec) Interface() Interface { return blockNameIface }

func (c *blockNameCodec) blockSize() int { return c.algo.CipherBlockSize() }

func (c *blockNameCodec) MaxEncodedNameLen(n int) int {
	bs := c.blockSize()
	padded := ((n+1+bs-1)/bs)*bs + 2
	return b64.EncodedLen(padded)
}

func (c *blockNameCodec) MaxDecodedNameLen(n int) int {
	return b64.DecodedLen(n)
}

func (c *blockNameCodec) EncodeName(plaintext string, iv *uint64) (string, error) {
	bs := c.blockSize()
	plain := []byte(plaintext)

	mac := c.algo.MAC16(plain, c.key, iv)

	padded := ((len(plain) + 1 + bs - 1) / bs) * bs
	padLen := padded - len(plain)
	if padLen == 0 {
		padLen = bs
		padded += bs
	}

	buf := make([]byte, 2+padded)
	buf[0] = byte(mac >> 8)
	buf[1] = byte(mac)
	copy(buf[2:], plain)
	for i := len(plain); i < padded; i++ {
		buf[2+i] = byte(padLen)
	}

	var tmpIV uint64
	if iv != nil {
		tmpIV = *iv
	}
	if err := c.algo.BlockEncode(buf[2:], uint64(mac)^tmpIV, c.key); err != nil {
		return "", err
	}

	return b64.EncodeToString(buf), nil
}

func (c *blockNameCodec) DecodeName(encoded string, iv *uint64) (string, error) {
	bs := c.blockSize()

	raw, err := b64.DecodeString(encoded)
	if err != nil {
		return "", NewCorruptionError(encoded, "base64 decode failed")
	}
	if len(raw) < 2+bs || (len(raw)-2)%bs != 0 {
		return "", NewCorruptionError(encoded, "encoded name has invalid length")
	}

	mac := uint16(raw[0])<<8 | uint16(raw[1])
	body := make([]byte, len(raw)-2)
	copy(body, raw[2:])

	var tmpIV uint64
	if iv != nil {
		tmpIV = *iv
	}
	if err := c.algo.BlockDecode(body, uint64(mac)^tmpIV, c.key); err != nil {
		return "", err
	}

	padLen := int(body[len(body)-1])
	if padLen < 1 || padLen > bs || padLen > len(body) {
		return "", NewCorruptionError(encoded, "invalid padding in decoded name")
	}
	plain := body[:len(body)-padLen]

	mac2 := c.algo.MAC16(plain, c.key, iv)
	if mac2 != mac {
		return "", NewCorruptionError(encoded, "checksum mismatch in filename decode")
	}

	return string(plain), nil
}

// -- Path encoding --------------------------------------------------------

// EncodePath encodes every "/"-separated component of plaintextPath. When
// chainIV is true, the IV carried in *iv is threaded from one component to
// the next (each component's own plaintext contributes to the IV via its
// MAC computation, so renaming an ancestor invalidates every descendant's
// ciphertext name -- §4.4/§4.5). "." and ".." and the empty component pass
// through unencoded.
func EncodePath(codec NameCodec, plaintextPath string, iv *uint64, chainIV bool) (string, error) {
	if plaintextPath == "" || plaintextPath == "." || plaintextPath == ".." {
		return plaintextPath, nil
	}

	parts := strings.Split(plaintextPath, "/")
	out := make([]string, len(parts))

	var chained uint64
	if iv != nil {
		chained = *iv
	}

	for i, part := range parts {
		if part == "" || part == "." || part == ".." {
			out[i] = part
			continue
		}
		var compIV *uint64
		if chainIV {
			compIV = &chained
		}
		enc, err := codec.EncodeName(part, compIV)
		if err != nil {
			return "", err
		}
		out[i] = enc
	}

	if iv != nil && chainIV {
		*iv = chained
	}
	return strings.Join(out, "/"), nil
}

// DecodePath reverses EncodePath. Components that fail to decode are
// preserved verbatim with escapePrefix prepended, matching DirNode's
// convention of surfacing undecodable entries rather than failing the
// whole directory read (§4.5).
func DecodePath(codec NameCodec, cipherPath string, iv *uint64, chainIV bool, escapePrefix string) (string, error) {
	if cipherPath == "" || cipherPath == "." || cipherPath == ".." {
		return cipherPath, nil
	}

	parts := strings.Split(cipherPath, "/")
	out := make([]string, len(parts))

	var chained uint64
	if iv != nil {
		chained = *iv
	}

	for i, part := range parts {
		if part == "" || part == "." || part == ".." {
			out[i] = part
			continue
		}
		var compIV *uint64
		if chainIV {
			compIV = &chained
		}
		dec, err := codec.DecodeName(part, compIV)
		if err != nil {
			out[i] = escapePrefix + part
			continue
		}
		out[i] = dec
	}

	if iv != nil && chainIV {
		*iv = chained
	}
	return strings.Join(out, "/"), nil
}
