package encryptfs

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/absfs/memfs"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return DefaultConfig(NewPasswordKeyProvider([]byte("correct horse battery staple"), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	}))
}

func newTestMount(t *testing.T) *EncFS {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	fs, err := CreateMount(base, "", testConfig(t), nil, slog.Default())
	if err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	return fs
}

func writeFile(t *testing.T, fs *EncFS, path string, content []byte) {
	t.Helper()
	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		t.Fatalf("Write(%q): %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close(%q): %v", path, err)
	}
}

func readFile(t *testing.T, fs *EncFS, path string) []byte {
	t.Helper()
	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll(%q): %v", path, err)
	}
	return data
}

func TestCreateMountThenOpenMountRoundTrip(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	cfg := testConfig(t)
	fs, err := CreateMount(base, "", cfg, nil, slog.Default())
	if err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	writeFile(t, fs, "/hello.txt", []byte("hello, encrypted world"))

	kp := NewPasswordKeyProvider([]byte("correct horse battery staple"), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	})
	reopened, err := OpenMount(base, "", kp, nil, slog.Default())
	if err != nil {
		t.Fatalf("OpenMount: %v", err)
	}
	got := readFile(t, reopened, "/hello.txt")
	if string(got) != "hello, encrypted world" {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestOpenMountWrongPasswordFails(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	if _, err := CreateMount(base, "", testConfig(t), nil, slog.Default()); err != nil {
		t.Fatalf("CreateMount: %v", err)
	}

	wrongKP := NewPasswordKeyProvider([]byte("not the password"), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	})
	if _, err := OpenMount(base, "", wrongKP, nil, slog.Default()); err == nil {
		t.Fatal("OpenMount with wrong password should fail")
	} else if !IsAuthenticationError(err) {
		t.Errorf("expected AuthenticationError, got %T: %v", err, err)
	}
}

func TestReadWriteRoundTripLargeFile(t *testing.T) {
	fs := newTestMount(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 10000) // 160000 bytes, many blocks
	writeFile(t, fs, "/big.bin", content)

	got := readFile(t, fs, "/big.bin")
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
}

func TestSparseWriteReadsZeroesInHole(t *testing.T) {
	fs := newTestMount(t)
	f, err := fs.Create("/sparse.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.WriteAt([]byte("end"), 5000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readFile(t, fs, "/sparse.bin")
	if len(got) != 5003 {
		t.Fatalf("expected 5003 bytes, got %d", len(got))
	}
	for i, b := range got[:5000] {
		if b != 0 {
			t.Fatalf("hole byte %d not zero: %x", i, b)
		}
	}
	if string(got[5000:]) != "end" {
		t.Fatalf("tail mismatch: %q", got[5000:])
	}
}

func TestMkdirAllAndReaddir(t *testing.T) {
	fs := newTestMount(t)
	if err := fs.MkdirAll("/a/b/c", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeFile(t, fs, "/a/b/c/file.txt", []byte("x"))
	writeFile(t, fs, "/a/b/other.txt", []byte("y"))

	entries, err := fs.Readdir("/a/b")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.PlaintextName] = true
	}
	if !names["c"] || !names["other.txt"] {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestRenamePreservesContentAndDescendants(t *testing.T) {
	fs := newTestMount(t)
	if err := fs.MkdirAll("/dir", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeFile(t, fs, "/dir/file.txt", []byte("payload"))

	if err := fs.Rename("/dir", "/moved"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.Stat("/dir"); !os.IsNotExist(err) {
		t.Fatalf("old path should not exist, got err=%v", err)
	}
	got := readFile(t, fs, "/moved/file.txt")
	if string(got) != "payload" {
		t.Fatalf("content mismatch after rename: %q", got)
	}
}

func TestRemoveRefusesWhileOpen(t *testing.T) {
	fs := newTestMount(t)
	f, err := fs.Create("/open.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if err := fs.Remove("/open.txt"); err == nil {
		t.Fatal("Remove should fail while file is open")
	}
}

func TestStatReportsLogicalSize(t *testing.T) {
	fs := newTestMount(t)
	content := []byte("twelve bytes")
	writeFile(t, fs, "/f.txt", content)

	info, err := fs.Stat("/f.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Fatalf("Stat size = %d, want %d", info.Size(), len(content))
	}
	if info.Name() != "f.txt" {
		t.Fatalf("Stat name = %q, want f.txt", info.Name())
	}
}

func TestFileNodeDedupSharesState(t *testing.T) {
	fs := newTestMount(t)
	writeFile(t, fs, "/shared.txt", []byte("initial"))

	f1, err := fs.OpenFile("/shared.txt", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile 1: %v", err)
	}
	defer f1.Close()

	f2, err := fs.OpenFile("/shared.txt", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile 2: %v", err)
	}
	defer f2.Close()

	if _, err := f1.WriteAt([]byte("CHANGED"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 7)
	if _, err := f2.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "CHANGED" {
		t.Fatalf("second handle did not observe first handle's write: %q", buf)
	}
}

func TestMACMismatchDetected(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	fs, err := CreateMount(base, "", testConfig(t), nil, slog.Default())
	if err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	writeFile(t, fs, "/tamper.txt", bytes.Repeat([]byte("A"), 100))

	dir, err := fs.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	cyPath, err := dir.CipherPath("/tamper.txt")
	if err != nil {
		t.Fatalf("CipherPath: %v", err)
	}

	cf, err := base.OpenFile(cyPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open ciphertext: %v", err)
	}
	if _, err := cf.WriteAt([]byte{0xFF}, headerSize+2); err != nil {
		t.Fatalf("tamper write: %v", err)
	}
	cf.Close()

	f, err := fs.Open("/tamper.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if _, err := io.ReadAll(f); err == nil {
		t.Fatal("expected read to fail on tampered ciphertext")
	}
}
