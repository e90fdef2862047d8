package encryptfs

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// MultiKeyProvider tries multiple key providers in order when unwrapping a
// mount's master key, so a mount can be opened during a password migration
// window before every holder of the old password has switched over.
type MultiKeyProvider struct {
	providers []KeyProvider
	primary   KeyProvider // used for GenerateSalt/DeriveKey (new mounts, new wraps)
}

// NewMultiKeyProvider builds a MultiKeyProvider. providers[0] is the
// primary, used whenever a single key is needed; the rest are fallbacks
// tried in order by TryDeriveKey.
func NewMultiKeyProvider(providers ...KeyProvider) (*MultiKeyProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one key provider required")
	}
	return &MultiKeyProvider{providers: providers, primary: providers[0]}, nil
}

// DeriveKey defers to the primary provider.
func (m *MultiKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	return m.primary.DeriveKey(salt)
}

// GenerateSalt defers to the primary provider.
func (m *MultiKeyProvider) GenerateSalt() ([]byte, error) {
	return m.primary.GenerateSalt()
}

// TryDeriveKey attempts DeriveKey with each provider in turn, returning the
// first one that succeeds. Useful for callers who want a single KeyProvider
// that accepts either an old or new password during a rotation window.
func (m *MultiKeyProvider) TryDeriveKey(salt []byte) ([]byte, error) {
	var lastErr error
	for _, p := range m.providers {
		key, err := p.DeriveKey(salt)
		if err != nil {
			lastErr = err
			continue
		}
		return key, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all key providers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("no key providers available")
}

// ChangeMasterPassword re-wraps a mount's existing master key under a new
// KeyProvider's KEK and rewrites .encfs6.xml, without touching any file's
// ciphertext: the master key itself never changes, only the password (or
// other key-encryption secret) that protects it (§4.7 "key rotation").
func ChangeMasterPassword(e *EncFS, newKP KeyProvider) error {
	salt, err := newKP.GenerateSalt()
	if err != nil {
		return err
	}
	kek, err := newKP.DeriveKey(salt)
	if err != nil {
		return err
	}
	if len(kek) != kekSize {
		return NewValidationError("KeyProvider", nil, "must derive a 64-byte key for master-key wrapping")
	}

	secret := e.key.Secret()
	defer zeroBytes(secret)

	wrapped, err := wrapMasterKey(kek, secret, e.algo.Interface().String())
	if err != nil {
		return err
	}

	newConfig := *e.fsConfig
	newConfig.EncodedKeyData = wrapped
	newConfig.SaltData = salt
	if err := newConfig.Validate(); err != nil {
		return err
	}

	xmlData, err := newConfig.MarshalXML()
	if err != nil {
		return err
	}

	path := e.rootDir + "/" + configFileName
	f, err := e.base.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return NewIOError("open", path, err)
	}
	if _, err := f.Write(xmlData); err != nil {
		f.Close()
		return NewIOError("write", path, err)
	}
	if err := f.Close(); err != nil {
		return NewIOError("close", path, err)
	}

	e.fsConfig = &newConfig
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// listPlaintextFiles walks a plaintext directory tree, returning every
// regular file's plaintext path. Directories are recursed into but not
// included in the result.
func listPlaintextFiles(e *EncFS, root string) ([]string, error) {
	dir, err := e.Root()
	if err != nil {
		return nil, err
	}

	var files []string
	var walk func(plaintextPath string) error
	walk = func(plaintextPath string) error {
		cyPath, err := dir.CipherPath(plaintextPath)
		if err != nil {
			return err
		}
		fi, err := e.base.Stat(cyPath)
		if err != nil {
			return NewIOError("stat", plaintextPath, err)
		}
		if !fi.IsDir() {
			files = append(files, plaintextPath)
			return nil
		}
		entries, err := dir.ReadDir(plaintextPath)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			if ent.Invalid {
				continue
			}
			child := strings.TrimSuffix(plaintextPath, "/") + "/" + ent.PlaintextName
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return files, nil
}

// VerifyAll reads every regular file under root end to end, exercising
// block decryption and (when enabled) MAC verification on every block of
// every file. It returns one fileJob per file that failed, leaving the
// mount untouched either way. Bulk work fans out across cfg's worker pool
// once the tree is large enough, since each file's I/O stack is
// independent of every other's.
func VerifyAll(e *EncFS, cfg ParallelConfig, root string) ([]fileJob, error) {
	paths, err := listPlaintextFiles(e, root)
	if err != nil {
		return nil, err
	}
	failures := runOverFiles(cfg, paths, func(path string) error {
		f, err := e.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(io.Discard, f)
		return err
	})
	if len(failures) > 0 {
		return failures, fmt.Errorf("%d of %d files failed verification", len(failures), len(paths))
	}
	return failures, nil
}

// ReencryptAll rewrites every regular file under root through the mount
// unchanged, recomputing per-block MAC headers and drawing fresh per-block
// random bytes (when RandBytes > 0). Truncating an open file keeps its
// existing header, so each file's per-file IV is not changed. The master
// key and plaintext content are unchanged.
func ReencryptAll(e *EncFS, cfg ParallelConfig, root string) ([]fileJob, error) {
	paths, err := listPlaintextFiles(e, root)
	if err != nil {
		return nil, err
	}
	failures := runOverFiles(cfg, paths, func(path string) error {
		content, err := readAllPlaintext(e, path)
		if err != nil {
			return err
		}
		f, err := e.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
		if err != nil {
			return err
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	return failures, nil
}

func readAllPlaintext(e *EncFS, path string) ([]byte, error) {
	f, err := e.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
