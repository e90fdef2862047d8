package encryptfs

import (
	"bytes"
	"testing"
)

// memBlockBackend is a blockBackend over a plain in-memory byte slice, used
// to exercise BlockIO's caching, hole-padding, and length bookkeeping
// without going through CipherFileIO or a real file.
type memBlockBackend struct {
	data []byte
}

func (m *memBlockBackend) ReadOneBlock(req IORequest) (int, error) {
	if req.Offset >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(req.Data, m.data[req.Offset:])
	return n, nil
}

func (m *memBlockBackend) WriteOneBlock(req IORequest) (int, error) {
	end := req.Offset + int64(len(req.Data))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[req.Offset:end], req.Data)
	return n, nil
}

func (m *memBlockBackend) GetSize() (int64, error) { return int64(len(m.data)), nil }

func (m *memBlockBackend) Truncate(size int64) error {
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func TestBlockIOWriteReadUnaligned(t *testing.T) {
	backend := &memBlockBackend{}
	bio := NewBlockIO(16, true, false, backend)

	payload := []byte("this string crosses several 16-byte blocks of data")
	if _, err := bio.Write(IORequest{Offset: 5, Data: payload}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := bio.Read(IORequest{Offset: 5, Data: buf})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(payload) || !bytes.Equal(buf, payload) {
		t.Fatalf("round-trip mismatch: got %q, want %q", buf[:n], payload)
	}
}

func TestBlockIOSparseWritePadsWithZeroes(t *testing.T) {
	backend := &memBlockBackend{}
	bio := NewBlockIO(8, true, false, backend)

	if _, err := bio.Write(IORequest{Offset: 20, Data: []byte("tail")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	size, err := backend.GetSize()
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != 24 {
		t.Fatalf("expected 24 bytes, got %d", size)
	}
	for i, b := range backend.data[:20] {
		if b != 0 {
			t.Fatalf("hole byte %d not zero: %x", i, b)
		}
	}
	if string(backend.data[20:]) != "tail" {
		t.Fatalf("tail mismatch: %q", backend.data[20:])
	}
}

func TestBlockIODisallowHolesStillZeroFillsGap(t *testing.T) {
	backend := &memBlockBackend{}
	bio := NewBlockIO(8, false, false, backend)

	if _, err := bio.Write(IORequest{Offset: 20, Data: []byte("tail")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i, b := range backend.data[:20] {
		if b != 0 {
			t.Fatalf("gap byte %d not zero: %x", i, b)
		}
	}
	if string(backend.data[20:]) != "tail" {
		t.Fatalf("tail mismatch: %q", backend.data[20:])
	}
}

func TestBlockIOReadCacheServesRepeatedReadsOfSameBlock(t *testing.T) {
	backend := &memBlockBackend{}
	bio := NewBlockIO(8, true, false, backend)

	if _, err := bio.Write(IORequest{Offset: 0, Data: []byte("abcdefgh")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf1 := make([]byte, 4)
	if _, err := bio.Read(IORequest{Offset: 0, Data: buf1}); err != nil {
		t.Fatalf("Read 1: %v", err)
	}
	buf2 := make([]byte, 4)
	if _, err := bio.Read(IORequest{Offset: 4, Data: buf2}); err != nil {
		t.Fatalf("Read 2: %v", err)
	}
	if string(buf1)+string(buf2) != "abcdefgh" {
		t.Fatalf("cached reads mismatch: %q %q", buf1, buf2)
	}
}

func TestBlockIOTruncateShrinksAndGrows(t *testing.T) {
	backend := &memBlockBackend{}
	bio := NewBlockIO(8, true, false, backend)

	if _, err := bio.Write(IORequest{Offset: 0, Data: []byte("0123456789")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := bio.TruncateBase(4); err != nil {
		t.Fatalf("TruncateBase shrink: %v", err)
	}
	size, _ := backend.GetSize()
	if size != 4 {
		t.Fatalf("expected size 4 after shrink, got %d", size)
	}

	if err := bio.TruncateBase(10); err != nil {
		t.Fatalf("TruncateBase grow: %v", err)
	}
	size, _ = backend.GetSize()
	if size != 10 {
		t.Fatalf("expected size 10 after grow, got %d", size)
	}
	for _, b := range backend.data[4:] {
		if b != 0 {
			t.Fatalf("grown region not zeroed: %v", backend.data[4:])
		}
	}
}
