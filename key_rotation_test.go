package encryptfs

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/absfs/memfs"
)

func newKP(password string) KeyProvider {
	return NewPasswordKeyProvider([]byte(password), Argon2idParams{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
	})
}

func TestChangeMasterPasswordAllowsReopenWithNewPassword(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	fs, err := CreateMount(base, "", DefaultConfig(newKP("old-password")), nil, slog.Default())
	if err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	writeFile(t, fs, "/f.txt", []byte("secret content"))

	if err := ChangeMasterPassword(fs, newKP("new-password")); err != nil {
		t.Fatalf("ChangeMasterPassword: %v", err)
	}

	if _, err := OpenMount(base, "", newKP("old-password"), nil, slog.Default()); err == nil {
		t.Fatal("old password should no longer open the mount")
	}

	reopened, err := OpenMount(base, "", newKP("new-password"), nil, slog.Default())
	if err != nil {
		t.Fatalf("OpenMount with new password: %v", err)
	}
	if string(readFile(t, reopened, "/f.txt")) != "secret content" {
		t.Fatal("content should survive a master password change")
	}
}

func TestVerifyAllDetectsCorruption(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	fs, err := CreateMount(base, "", DefaultConfig(newKP("pw")), nil, slog.Default())
	if err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	writeFile(t, fs, "/a.txt", []byte("aaaa"))
	writeFile(t, fs, "/b.txt", []byte("bbbb"))

	if failures, err := VerifyAll(fs, DefaultParallelConfig(), "/"); err != nil || len(failures) != 0 {
		t.Fatalf("expected clean tree to verify, failures=%+v err=%v", failures, err)
	}

	dir, err := fs.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	cyPath, err := dir.CipherPath("/a.txt")
	if err != nil {
		t.Fatalf("CipherPath: %v", err)
	}
	cf, err := base.OpenFile(cyPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open ciphertext: %v", err)
	}
	if _, err := cf.WriteAt([]byte{0xAB}, headerSize+1); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	cf.Close()

	failures, err := VerifyAll(fs, DefaultParallelConfig(), "/")
	if err == nil {
		t.Fatal("expected VerifyAll to report an error for a tampered tree")
	}
	if len(failures) != 1 || failures[0].path != "/a.txt" {
		t.Fatalf("expected one failure for /a.txt, got %+v", failures)
	}
}

func TestReencryptAllPreservesContent(t *testing.T) {
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	fs, err := CreateMount(base, "", DefaultConfig(newKP("pw")), nil, slog.Default())
	if err != nil {
		t.Fatalf("CreateMount: %v", err)
	}
	writeFile(t, fs, "/a.txt", []byte("alpha"))
	writeFile(t, fs, "/b.txt", []byte("beta"))

	if failures, err := ReencryptAll(fs, DefaultParallelConfig(), "/"); err != nil {
		t.Fatalf("ReencryptAll: %v (failures=%+v)", err, failures)
	}

	if string(readFile(t, fs, "/a.txt")) != "alpha" {
		t.Fatal("content changed after ReencryptAll")
	}
	if string(readFile(t, fs, "/b.txt")) != "beta" {
		t.Fatal("content changed after ReencryptAll")
	}
}

func TestMultiKeyProviderTryDeriveKeyFallsBackToSecondProvider(t *testing.T) {
	primary := newKP("")
	fallback := newKP("fallback-pw")
	mkp, err := NewMultiKeyProvider(primary, fallback)
	if err != nil {
		t.Fatalf("NewMultiKeyProvider: %v", err)
	}

	salt, err := fallback.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	want, err := fallback.DeriveKey(salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	// primary has an empty password, so its DeriveKey fails and
	// TryDeriveKey falls through to fallback.
	got, err := mkp.TryDeriveKey(salt)
	if err != nil {
		t.Fatalf("TryDeriveKey: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected the fallback provider's key, got %x want %x", got, want)
	}
}
