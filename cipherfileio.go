package encryptfs

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
)

// headerSize is the on-disk size of the per-file IV header (§4.2).
const headerSize = 8

// CipherFileIO wraps a raw byte backend with per-block encryption and,
// when uniqueIV is enabled, an 8-byte per-file IV header stream-encoded
// under the caller-supplied external IV (the path-chained IV of the
// parent directory). Grounded on
// original_source/encfs/CipherFileIO.cpp.
type CipherFileIO struct {
	*BlockIO

	base       blockBackendCloser
	algo       CipherAlgorithm
	key        *CipherKey
	uniqueIV   bool
	allowHoles bool
	reverse    bool

	haveHeader bool
	fileIV     uint64
	externalIV uint64

	inode uint64 // used to derive a deterministic fileIV in reverse mode
}

type blockBackendCloser interface {
	blockBackend
	Close() error
	Sync() error
}

// NewCipherFileIO wraps base. externalIV is the directory-chained IV under
// which the file's header is stream-encoded/decoded; inode is used only in
// reverse mode to derive a deterministic fileIV.
func NewCipherFileIO(base blockBackendCloser, algo CipherAlgorithm, key *CipherKey, blockSize int, uniqueIV, allowHoles, reverse, noCache bool, externalIV uint64, inode uint64) *CipherFileIO {
	c := &CipherFileIO{
		base:       base,
		algo:       algo,
		key:        key,
		uniqueIV:   uniqueIV,
		allowHoles: allowHoles,
		reverse:    reverse,
		externalIV: externalIV,
		inode:      inode,
	}
	c.BlockIO = NewBlockIO(blockSize, allowHoles, reverse || noCache, c)
	return c
}

func (c *CipherFileIO) headerLen() int64 {
	if !c.uniqueIV {
		return 0
	}
	return headerSize
}

// GetSize returns the logical (plaintext) size of the file.
func (c *CipherFileIO) GetSize() (int64, error) {
	physical, err := c.base.GetSize()
	if err != nil {
		return 0, err
	}
	if c.reverse {
		return physical + c.headerLen(), nil
	}
	n := physical - c.headerLen()
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Truncate resizes the file to a new logical size.
func (c *CipherFileIO) Truncate(size int64) error {
	if err := c.ensureHeader(!c.reverse); err != nil {
		return err
	}
	return c.base.Truncate(size + c.headerLen())
}

// Close releases the backend.
func (c *CipherFileIO) Close() error { return c.base.Close() }

// Sync flushes the backend.
func (c *CipherFileIO) Sync() error { return c.base.Sync() }

// SetIV rewrites the header under a new external IV, keeping fileIV
// constant (§4.2 setIV, used when a file is renamed to a new parent
// directory under chained name IVs).
func (c *CipherFileIO) SetIV(newExternalIV uint64) error {
	if err := c.ensureHeader(!c.reverse); err != nil {
		return err
	}
	c.externalIV = newExternalIV
	if c.reverse || !c.uniqueIV {
		return nil
	}
	return c.writeHeader()
}

// ensureHeader lazily establishes fileIV, reading an existing header,
// deriving a deterministic one in reverse mode, or generating and writing
// a fresh one for a new writable file.
func (c *CipherFileIO) ensureHeader(writable bool) error {
	if !c.uniqueIV || c.haveHeader {
		return nil
	}

	if c.reverse {
		sum := sha1.Sum(binaryLE(c.inode))
		c.fileIV = binary.BigEndian.Uint64(sum[:8])
		c.haveHeader = true
		return nil
	}

	physical, err := c.base.GetSize()
	if err != nil {
		return err
	}

	if physical >= headerSize {
		buf := make([]byte, headerSize)
		if _, err := c.base.ReadOneBlock(IORequest{Offset: 0, Data: buf}); err != nil {
			return err
		}
		if err := c.algo.StreamDecode(buf, c.externalIV, c.key); err != nil {
			return NewCorruptionError("", "failed to decode file IV header")
		}
		c.fileIV = binary.BigEndian.Uint64(buf)
		c.haveHeader = true
		return nil
	}

	var iv uint64
	for iv == 0 {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return NewEncryptionError("generate", "failed to generate file IV", err)
		}
		iv = binary.BigEndian.Uint64(buf[:])
	}
	c.fileIV = iv
	c.haveHeader = true

	if writable {
		return c.writeHeader()
	}
	return nil
}

func (c *CipherFileIO) writeHeader() error {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint64(buf, c.fileIV)
	if err := c.algo.StreamEncode(buf, c.externalIV, c.key); err != nil {
		return err
	}
	_, err := c.base.WriteOneBlock(IORequest{Offset: 0, Data: buf})
	return err
}

func binaryLE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// blockIV returns the per-block IV: the block number XOR'd with the
// per-file IV (§4.2).
func (c *CipherFileIO) blockIV(blockNum int64) uint64 {
	return uint64(blockNum) ^ c.fileIV
}

// ReadOneBlock reads and decrypts exactly one block-aligned chunk. req.Data
// determines the requested length; a full block is block-decoded, a
// short (tail) block is stream-decoded, matching the underlying cipher's
// two encode granularities. In reverse mode base holds plaintext and the
// roles invert: reverseReadOneBlock synthesizes the ciphertext view.
func (c *CipherFileIO) ReadOneBlock(req IORequest) (int, error) {
	if c.reverse {
		return c.reverseReadOneBlock(req)
	}

	if err := c.ensureHeader(!c.reverse); err != nil {
		return 0, err
	}

	physOffset := req.Offset + c.headerLen()
	blockNum := req.Offset / int64(c.BlockSize())

	n, err := c.base.ReadOneBlock(IORequest{Offset: physOffset, Data: req.Data})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	buf := req.Data[:n]
	if c.allowHoles && isAllZero(buf) {
		return n, nil
	}

	iv := c.blockIV(blockNum)
	if n == c.BlockSize() {
		if err := c.algo.BlockDecode(buf, iv, c.key); err != nil {
			return 0, err
		}
	} else {
		if err := c.algo.StreamDecode(buf, iv, c.key); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// reverseReadOneBlock synthesizes the exposed ciphertext view of a
// plaintext backing file (§1 reverse mode, S4): exposed offsets below
// headerLen are the stream-encoded per-file IV header, and every byte
// from headerLen on is backing[exposedOffset-headerLen], stream-encrypted
// under the IV for its exposed block number. req.Offset is block-aligned
// to BlockSize() and req.Data is at most one block long, per BlockIO's
// contract, so a single call spans at most the header and one data block.
func (c *CipherFileIO) reverseReadOneBlock(req IORequest) (int, error) {
	if err := c.ensureHeader(false); err != nil {
		return 0, err
	}

	hdrLen := c.headerLen()
	total := 0

	if req.Offset < hdrLen {
		hdr := make([]byte, headerSize)
		binary.BigEndian.PutUint64(hdr, c.fileIV)
		if err := c.algo.StreamEncode(hdr, c.externalIV, c.key); err != nil {
			return 0, err
		}
		total = copy(req.Data, hdr[req.Offset:])
	}

	if int64(total) >= int64(len(req.Data)) {
		return total, nil
	}

	backingOffset := req.Offset + int64(total) - hdrLen
	dataBuf := req.Data[total:]

	n, err := c.base.ReadOneBlock(IORequest{Offset: backingOffset, Data: dataBuf})
	if err != nil {
		return total, err
	}
	if n == 0 {
		return total, nil
	}

	buf := dataBuf[:n]
	if !(c.allowHoles && isAllZero(buf)) {
		blockNum := req.Offset / int64(c.BlockSize())
		iv := c.blockIV(blockNum)
		if err := c.algo.StreamEncode(buf, iv, c.key); err != nil {
			return total, err
		}
	}

	return total + n, nil
}

// WriteOneBlock encrypts and writes exactly one block-aligned chunk.
func (c *CipherFileIO) WriteOneBlock(req IORequest) (int, error) {
	if c.reverse {
		return 0, NewEncryptionError("write", "writes not permitted in reverse mode", ErrPermission)
	}
	if err := c.ensureHeader(true); err != nil {
		return 0, err
	}

	blockNum := req.Offset / int64(c.BlockSize())
	iv := c.blockIV(blockNum)

	block := AllocateBlock(len(req.Data))
	defer ReleaseBlock(block)
	buf := block.Data
	copy(buf, req.Data)

	if len(buf) == c.BlockSize() {
		if err := c.algo.BlockEncode(buf, iv, c.key); err != nil {
			return 0, err
		}
	} else {
		if err := c.algo.StreamEncode(buf, iv, c.key); err != nil {
			return 0, err
		}
	}

	physOffset := req.Offset + c.headerLen()
	return c.base.WriteOneBlock(IORequest{Offset: physOffset, Data: buf})
}
