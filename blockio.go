package encryptfs

import (
	"sync"
)

// IORequest describes a read or write of Data at a byte Offset, matching
// the original's IORequest (§4.1's "IORequest" data model entry).
type IORequest struct {
	Offset int64
	Data   []byte
}

// blockBackend is the narrow interface BlockIO drives: something that can
// read or write exactly one block-aligned, block-sized chunk, and report
// the current plaintext file size. CipherFileIO and MACFileIO implement it.
type blockBackend interface {
	ReadOneBlock(req IORequest) (int, error)
	WriteOneBlock(req IORequest) (int, error)
	GetSize() (int64, error)
	Truncate(size int64) error
}

// BlockIO turns a backend that only knows how to serve whole, aligned
// blocks into arbitrary-offset, arbitrary-length Read/Write, with a
// single-block read cache and hole-padding on sparse writes (§4.1,
// grounded on original_source/encfs/BlockFileIO.cpp).
type BlockIO struct {
	blockSize  int
	allowHoles bool
	noCache    bool
	backend    blockBackend

	mu          sync.Mutex
	cacheOffset int64
	cacheData   []byte
	cacheLen    int
}

// NewBlockIO wraps backend with block-cached Read/Write. noCache disables
// the read cache entirely, required for reverse-mode mounts where the
// underlying plaintext file can change out from under the cache (§4.2).
func NewBlockIO(blockSize int, allowHoles, noCache bool, backend blockBackend) *BlockIO {
	if blockSize <= 1 {
		panic("encryptfs: block size must be greater than 1")
	}
	return &BlockIO{
		blockSize:  blockSize,
		allowHoles: allowHoles,
		noCache:    noCache,
		backend:    backend,
		cacheData:  make([]byte, blockSize),
	}
}

// BlockSize returns the configured block size.
func (b *BlockIO) BlockSize() int { return b.blockSize }

func (b *BlockIO) clearCacheLocked() {
	for i := range b.cacheData {
		b.cacheData[i] = 0
	}
	b.cacheLen = 0
}

// cacheReadOneBlock serves a read of at most one block at a block-aligned
// offset, always fetching a full block from the backend and trimming the
// result, so short trailing blocks and cache hits behave identically.
func (b *BlockIO) cacheReadOneBlock(req IORequest) (int, error) {
	if len(req.Data) > b.blockSize {
		return 0, NewInvariantError("blockio", "block read request larger than block size")
	}
	if req.Offset%int64(b.blockSize) != 0 {
		return 0, NewInvariantError("blockio", "block read request not block-aligned")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.noCache && req.Offset == b.cacheOffset && b.cacheLen != 0 {
		n := len(req.Data)
		if b.cacheLen < n {
			n = b.cacheLen
		}
		copy(req.Data, b.cacheData[:n])
		return n, nil
	}

	if b.cacheLen > 0 {
		b.clearCacheLocked()
	}

	n, err := b.backend.ReadOneBlock(IORequest{Offset: req.Offset, Data: b.cacheData[:b.blockSize]})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.cacheOffset = req.Offset
		b.cacheLen = n
		if n > len(req.Data) {
			n = len(req.Data)
		}
		copy(req.Data, b.cacheData[:n])
	}
	return n, nil
}

func (b *BlockIO) cacheWriteOneBlock(req IORequest) (int, error) {
	b.mu.Lock()
	copy(b.cacheData, req.Data)
	b.mu.Unlock()

	n, err := b.backend.WriteOneBlock(req)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.clearCacheLocked()
		return n, err
	}
	b.cacheOffset = req.Offset
	b.cacheLen = len(req.Data)
	return n, nil
}

// Read serves an arbitrary-offset, arbitrary-length read by stitching
// together one or more block-aligned reads from the backend.
func (b *BlockIO) Read(req IORequest) (int, error) {
	if err := ValidateOffset(req.Offset, "offset"); err != nil {
		return 0, err
	}
	if len(req.Data) == 0 {
		return 0, nil
	}

	partialOffset := int(req.Offset % int64(b.blockSize))
	blockNum := req.Offset / int64(b.blockSize)

	if partialOffset == 0 && len(req.Data) <= b.blockSize {
		return b.cacheReadOneBlock(req)
	}

	size := len(req.Data)
	out := req.Data
	total := 0
	var tmp MemBlock

	for size != 0 {
		offset := blockNum * int64(b.blockSize)

		var blockData []byte
		direct := partialOffset == 0 && size >= b.blockSize
		if direct {
			blockData = out[:b.blockSize]
		} else {
			if tmp.Data == nil {
				tmp = AllocateBlock(b.blockSize)
				defer ReleaseBlock(tmp)
			}
			blockData = tmp.Data
		}

		n, err := b.cacheReadOneBlock(IORequest{Offset: offset, Data: blockData})
		if err != nil {
			return total, err
		}
		if n <= partialOffset {
			break
		}

		copySize := n - partialOffset
		if copySize > size {
			copySize = size
		}

		if !direct {
			copy(out, blockData[partialOffset:partialOffset+copySize])
		}

		total += copySize
		size -= copySize
		out = out[copySize:]
		blockNum++
		partialOffset = 0

		if n < b.blockSize {
			break
		}
	}
	return total, nil
}

// Write serves an arbitrary-offset, arbitrary-length write, merging
// partial blocks with existing backend content and padding any hole
// created by a write starting past the current end of file.
func (b *BlockIO) Write(req IORequest) (int, error) {
	if err := ValidateOffset(req.Offset, "offset"); err != nil {
		return 0, err
	}
	if len(req.Data) == 0 {
		return 0, nil
	}

	fileSize, err := b.backend.GetSize()
	if err != nil {
		return 0, err
	}

	blockNum := req.Offset / int64(b.blockSize)
	partialOffset := int(req.Offset % int64(b.blockSize))

	lastFileBlock := fileSize / int64(b.blockSize)
	lastBlockSize := int(fileSize % int64(b.blockSize))
	lastNonEmptyBlock := lastFileBlock
	if lastBlockSize == 0 {
		lastNonEmptyBlock--
	}

	if req.Offset > fileSize {
		if err := b.padFile(fileSize, req.Offset, false); err != nil {
			return 0, err
		}
	}

	if partialOffset == 0 && len(req.Data) <= b.blockSize {
		if len(req.Data) == b.blockSize {
			return b.cacheWriteOneBlock(req)
		}
		if blockNum == lastFileBlock && len(req.Data) >= lastBlockSize {
			return b.cacheWriteOneBlock(req)
		}
	}

	size := len(req.Data)
	in := req.Data
	scratchBlock := AllocateBlock(b.blockSize)
	defer ReleaseBlock(scratchBlock)
	scratch := scratchBlock.Data

	for size != 0 {
		offset := blockNum * int64(b.blockSize)
		toCopy := b.blockSize - partialOffset
		if toCopy > size {
			toCopy = size
		}

		var blockData []byte
		var blockLen int
		if toCopy == b.blockSize || (partialOffset == 0 && offset+int64(toCopy) >= fileSize) {
			blockData = in[:toCopy]
			blockLen = toCopy
		} else {
			for i := range scratch {
				scratch[i] = 0
			}
			blockData = scratch

			if blockNum > lastNonEmptyBlock {
				blockLen = partialOffset + toCopy
			} else {
				n, err := b.cacheReadOneBlock(IORequest{Offset: offset, Data: scratch})
				if err != nil {
					return len(req.Data) - size, err
				}
				blockLen = n
				if partialOffset+toCopy > blockLen {
					blockLen = partialOffset + toCopy
				}
			}
			copy(blockData[partialOffset:], in[:toCopy])
		}

		if _, err := b.cacheWriteOneBlock(IORequest{Offset: offset, Data: blockData[:blockLen]}); err != nil {
			return len(req.Data) - size, err
		}

		size -= toCopy
		in = in[toCopy:]
		blockNum++
		partialOffset = 0
	}

	return len(req.Data), nil
}

// padFile extends the plaintext file from oldSize to newSize with zero
// bytes, writing zero blocks unless holes are allowed. forceWrite, used by
// Truncate to grow a file, makes the final partial block be written even
// when holes are allowed; whole blocks in between are still left as holes.
func (b *BlockIO) padFile(oldSize, newSize int64, forceWrite bool) error {
	oldLastBlock := oldSize / int64(b.blockSize)
	newLastBlock := newSize / int64(b.blockSize)
	newBlockSize := int(newSize % int64(b.blockSize))

	scratchBlock := AllocateBlock(b.blockSize)
	defer ReleaseBlock(scratchBlock)
	scratch := scratchBlock.Data

	if oldLastBlock == newLastBlock {
		if !forceWrite {
			return nil
		}
		outSize := int(newSize % int64(b.blockSize))
		if outSize == 0 {
			return nil
		}
		req := IORequest{Offset: oldLastBlock * int64(b.blockSize), Data: scratch[:int(oldSize%int64(b.blockSize))]}
		if _, err := b.cacheReadOneBlock(req); err != nil {
			return err
		}
		for i := range scratch[:outSize] {
			if i >= len(req.Data) {
				scratch[i] = 0
			}
		}
		_, err := b.cacheWriteOneBlock(IORequest{Offset: req.Offset, Data: scratch[:outSize]})
		return err
	}

	oldTail := int(oldSize % int64(b.blockSize))
	if oldTail != 0 {
		req := IORequest{Offset: oldLastBlock * int64(b.blockSize), Data: scratch}
		if _, err := b.cacheReadOneBlock(req); err != nil {
			return err
		}
		for i := oldTail; i < b.blockSize; i++ {
			scratch[i] = 0
		}
		if _, err := b.cacheWriteOneBlock(IORequest{Offset: req.Offset, Data: scratch}); err != nil {
			return err
		}
		oldLastBlock++
	}

	if !b.allowHoles {
		for ; oldLastBlock != newLastBlock; oldLastBlock++ {
			for i := range scratch {
				scratch[i] = 0
			}
			if _, err := b.cacheWriteOneBlock(IORequest{Offset: oldLastBlock * int64(b.blockSize), Data: scratch}); err != nil {
				return err
			}
		}
	}

	if forceWrite && newBlockSize != 0 {
		for i := range scratch[:newBlockSize] {
			scratch[i] = 0
		}
		if _, err := b.cacheWriteOneBlock(IORequest{Offset: newLastBlock * int64(b.blockSize), Data: scratch[:newBlockSize]}); err != nil {
			return err
		}
	}

	return nil
}

// TruncateBase implements truncate against the backend: growing pads with
// zeros (or holes), shrinking to a partial block reads-modifies-writes the
// new last block before truncating the backing store.
func (b *BlockIO) TruncateBase(size int64) error {
	oldSize, err := b.backend.GetSize()
	if err != nil {
		return err
	}

	partialBlock := int(size % int64(b.blockSize))

	switch {
	case size > oldSize:
		if err := b.backend.Truncate(size); err != nil {
			return err
		}
		return b.padFile(oldSize, size, true)
	case size == oldSize:
		return nil
	case partialBlock != 0:
		blockNum := size / int64(b.blockSize)
		scratchBlock := AllocateBlock(b.blockSize)
		defer ReleaseBlock(scratchBlock)
		scratch := scratchBlock.Data
		req := IORequest{Offset: blockNum * int64(b.blockSize), Data: scratch}
		if _, err := b.cacheReadOneBlock(req); err != nil {
			return err
		}
		if err := b.backend.Truncate(size); err != nil {
			return err
		}
		_, err := b.cacheWriteOneBlock(IORequest{Offset: req.Offset, Data: scratch[:partialBlock]})
		return err
	default:
		return b.backend.Truncate(size)
	}
}
