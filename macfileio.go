package encryptfs

import (
	"crypto/rand"
	"io"
)

// MACFileIO wraps a cipher-block backend with per-block authentication and
// an optional per-block random prefix, presenting a smaller data block
// size to the layer above it. Block layout on the wrapped stream is
// [macBytes | randBytes | dataBlockSize bytes] (§4.3, grounded on
// original_source/encfs/MACFileIO.cpp and spec.md §4.3).
type MACFileIO struct {
	*BlockIO

	base       blockBackendCloser
	algo       CipherAlgorithm
	key        *CipherKey
	macBytes   int
	randBytes  int
	allowHoles bool
	warnOnly   bool
	onMismatch func(err error)
}

// macDataBlockSize returns the data block size passed to the embedded
// BlockIO: physicalBlockSize (the size of one block as stored by the
// wrapped backend) - macBytes - randBytes.
func macDataBlockSize(physicalBlockSize, macBytes, randBytes int) int {
	return physicalBlockSize - macBytes - randBytes
}

// NewMACFileIO wraps base, a backend whose block size is physicalBlockSize.
// warnOnly downgrades a MAC mismatch to a logged event instead of
// EBADMSG; mounts set it from the forcedecode option (Opts.ForceDecode).
func NewMACFileIO(base blockBackendCloser, algo CipherAlgorithm, key *CipherKey, physicalBlockSize, macBytes, randBytes int, allowHoles, warnOnly, noCache bool, onMismatch func(error)) *MACFileIO {
	m := &MACFileIO{
		base:       base,
		algo:       algo,
		key:        key,
		macBytes:   macBytes,
		randBytes:  randBytes,
		allowHoles: allowHoles,
		warnOnly:   warnOnly,
		onMismatch: onMismatch,
	}
	dataBs := macDataBlockSize(physicalBlockSize, macBytes, randBytes)
	m.BlockIO = NewBlockIO(dataBs, allowHoles, noCache, m)
	return m
}

func (m *MACFileIO) headerLen() int { return m.macBytes + m.randBytes }

func (m *MACFileIO) physicalBlockSize() int { return m.BlockSize() + m.headerLen() }

// withHeader converts a logical (data-only) byte count to the physical
// byte count once every block's mac/rand header is accounted for.
func (m *MACFileIO) withHeader(n int64) int64 {
	dataBs := int64(m.BlockSize())
	if dataBs == 0 {
		return n
	}
	blocks := (n + dataBs - 1) / dataBs
	return n + blocks*int64(m.headerLen())
}

// withoutHeader is the inverse of withHeader.
func (m *MACFileIO) withoutHeader(n int64) int64 {
	physBs := int64(m.physicalBlockSize())
	if physBs == 0 {
		return n
	}
	blocks := (n + physBs - 1) / physBs
	return n - blocks*int64(m.headerLen())
}

// GetSize returns the logical (data-only) file size.
func (m *MACFileIO) GetSize() (int64, error) {
	physical, err := m.base.GetSize()
	if err != nil {
		return 0, err
	}
	return m.withoutHeader(physical), nil
}

// Truncate resizes the file to a new logical size.
func (m *MACFileIO) Truncate(size int64) error {
	return m.base.Truncate(m.withHeader(size))
}

// Close releases the wrapped backend.
func (m *MACFileIO) Close() error { return m.base.Close() }

// Sync flushes the wrapped backend.
func (m *MACFileIO) Sync() error { return m.base.Sync() }

// ReadOneBlock reads one physical block from base, verifies its MAC (or
// treats it as a hole), and copies the data portion into req.Data.
func (m *MACFileIO) ReadOneBlock(req IORequest) (int, error) {
	blockNum := req.Offset / int64(m.BlockSize())
	physOffset := blockNum * int64(m.physicalBlockSize())

	physBlock := AllocateBlock(m.physicalBlockSize())
	defer ReleaseBlock(physBlock)
	physBuf := physBlock.Data
	n, err := m.base.ReadOneBlock(IORequest{Offset: physOffset, Data: physBuf})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	physBuf = physBuf[:n]
	if m.allowHoles && isAllZero(physBuf) {
		dataLen := n - m.headerLen()
		if dataLen < 0 {
			dataLen = 0
		}
		if dataLen > len(req.Data) {
			dataLen = len(req.Data)
		}
		for i := 0; i < dataLen; i++ {
			req.Data[i] = 0
		}
		return dataLen, nil
	}

	if n <= m.headerLen() {
		return 0, NewCorruptionError("", "block shorter than MAC/random header")
	}

	storedMAC := physBuf[:m.macBytes]
	payload := physBuf[m.macBytes:]
	dataLen := len(payload) - m.randBytes
	if dataLen < 0 {
		return 0, NewCorruptionError("", "block shorter than random header")
	}

	computed := m.algo.MAC64(payload, m.key, nil)
	if !macEqual(storedMAC, computed, m.macBytes) {
		mismatchErr := NewCorruptionError("", "block MAC mismatch")
		if m.onMismatch != nil {
			m.onMismatch(mismatchErr)
		}
		if !m.warnOnly {
			return 0, mismatchErr
		}
	}

	data := payload[m.randBytes:]
	copyLen := len(data)
	if copyLen > len(req.Data) {
		copyLen = len(req.Data)
	}
	copy(req.Data, data[:copyLen])
	return copyLen, nil
}

// WriteOneBlock zero-fills the header, copies data after it, optionally
// randomizes the random-header bytes, computes the block MAC, and writes
// one full physical block to base.
func (m *MACFileIO) WriteOneBlock(req IORequest) (int, error) {
	blockNum := req.Offset / int64(m.BlockSize())
	physOffset := blockNum * int64(m.physicalBlockSize())

	physBlock := AllocateBlock(m.headerLen() + len(req.Data))
	defer ReleaseBlock(physBlock)
	physBuf := physBlock.Data
	payload := physBuf[m.macBytes:]

	if m.randBytes > 0 {
		if _, err := rand.Read(payload[:m.randBytes]); err != nil {
			return 0, NewEncryptionError("random", "failed to generate random header", err)
		}
	}
	copy(payload[m.randBytes:], req.Data)

	mac := m.algo.MAC64(payload, m.key, nil)
	writeMACInto(physBuf[:m.macBytes], mac)

	n, err := m.base.WriteOneBlock(IORequest{Offset: physOffset, Data: physBuf})
	if err != nil {
		return 0, err
	}
	if n < len(physBuf) {
		return 0, NewIOError("write", "", io.ErrShortWrite)
	}
	return len(req.Data), nil
}

// macEqual compares the low macBytes bytes of a big-endian 64-bit MAC
// against the stored prefix in constant time.
func macEqual(stored []byte, mac uint64, macBytes int) bool {
	if macBytes == 0 {
		return true
	}
	var diff byte
	for i := 0; i < macBytes; i++ {
		shift := uint((macBytes - 1 - i) * 8)
		want := byte(mac >> shift)
		diff |= want ^ stored[i]
	}
	return diff == 0
}

func writeMACInto(dst []byte, mac uint64) {
	for i := range dst {
		shift := uint((len(dst) - 1 - i) * 8)
		dst[i] = byte(mac >> shift)
	}
}
