package encryptfs

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"

	"github.com/absfs/absfs"
)

// fnvHash gives reverse mode a stable, if not inode-precise, per-path
// seed on platforms where fileInode can't read the real inode number.
func fnvHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// EncFS is the top-level mountable encrypted filesystem: an FSConfig, a
// mount key derived from it, and the DirNode/Context pair that serve
// filesystem calls (§3 "Context"/"FS configuration").
type EncFS struct {
	base    absfs.FileSystem
	rootDir string

	fsConfig *FSConfig
	algo     CipherAlgorithm
	key      *CipherKey
	codec    NameCodec

	dir *DirNode
	ctx *Context

	opts *Opts
	log  *slog.Logger
}

// kekSize is the AES-SIV key size (RFC 5297 requires 2N bits for an
// N-bit-security wrap); the mount's KeyProvider must derive a key this
// large for master-key wrapping.
const kekSize = 64

func newNameCodec(choice NameCodecChoice, algo CipherAlgorithm, key *CipherKey) NameCodec {
	switch choice {
	case NameCodecStream:
		return NewStreamNameCodec(algo, key)
	case NameCodecNull:
		return NewNullNameCodec()
	default:
		return NewBlockNameCodec(algo, key)
	}
}

// CreateMount initializes a brand-new mount: generates a random master
// key, wraps it under a KEK derived from cfg.KeyProvider, writes
// .encfs6.xml to rootDir on base, and returns the ready-to-use EncFS.
func CreateMount(base absfs.FileSystem, rootDir string, cfg *Config, opts *Opts, log *slog.Logger) (*EncFS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	algo, err := cfg.Cipher.algorithm()
	if err != nil {
		return nil, err
	}

	salt, err := cfg.KeyProvider.GenerateSalt()
	if err != nil {
		return nil, err
	}
	kek, err := cfg.KeyProvider.DeriveKey(salt)
	if err != nil {
		return nil, err
	}
	if len(kek) != kekSize {
		return nil, NewValidationError("KeyProvider", nil, "must derive a 64-byte key for master-key wrapping")
	}

	masterSecret := make([]byte, algo.KeySize())
	if _, err := rand.Read(masterSecret); err != nil {
		return nil, NewEncryptionError("generate", "failed to generate master key", err)
	}

	wrapped, err := wrapMasterKey(kek, masterSecret, algo.Interface().String())
	if err != nil {
		return nil, err
	}

	fsConfig := &FSConfig{
		CipherAlg:      algo.Interface(),
		NameAlg:        interfaceForNameCodec(cfg.NameCodec),
		KeySize:        algo.KeySize() * 8,
		BlockSize:      cfg.BlockSize,
		UniqueIV:       cfg.UniqueIV,
		ChainedIV:      cfg.ChainedIV,
		ExternalIV:     cfg.ExternalIV,
		MACBytes:       cfg.MACBytes,
		RandBytes:      cfg.RandBytes,
		AllowHoles:     cfg.AllowHoles,
		Reverse:        cfg.Reverse,
		EncodedKeyData: wrapped,
		SaltData:       salt,
	}
	if err := fsConfig.Validate(); err != nil {
		return nil, err
	}

	xmlData, err := fsConfig.MarshalXML()
	if err != nil {
		return nil, err
	}
	f, err := base.Create(rootDir + "/" + configFileName)
	if err != nil {
		return nil, NewIOError("create", rootDir, err)
	}
	if _, err := f.Write(xmlData); err != nil {
		f.Close()
		return nil, NewIOError("write", rootDir, err)
	}
	if err := f.Close(); err != nil {
		return nil, NewIOError("close", rootDir, err)
	}

	return buildEncFS(base, rootDir, fsConfig, algo, masterSecret, opts, log)
}

// OpenMount reads an existing .encfs6.xml, unwraps the master key using
// kp, and returns the ready-to-use EncFS.
func OpenMount(base absfs.FileSystem, rootDir string, kp KeyProvider, opts *Opts, log *slog.Logger) (*EncFS, error) {
	if log == nil {
		log = slog.Default()
	}

	f, err := base.Open(rootDir + "/" + configFileName)
	if err != nil {
		return nil, NewIOError("open", rootDir, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, NewIOError("stat", rootDir, err)
	}
	data := make([]byte, fi.Size())
	if _, err := f.Read(data); err != nil {
		return nil, NewIOError("read", rootDir, err)
	}

	fsConfig, err := UnmarshalXMLConfig(data)
	if err != nil {
		return nil, err
	}
	if err := fsConfig.Validate(); err != nil {
		return nil, err
	}
	if opts != nil && opts.ReverseEncryption {
		fsConfig.Reverse = true
	}

	algo, err := algorithmForInterface(fsConfig.CipherAlg, fsConfig.KeySize/8)
	if err != nil {
		return nil, err
	}

	kek, err := kp.DeriveKey(fsConfig.SaltData)
	if err != nil {
		return nil, err
	}
	if len(kek) != kekSize {
		return nil, NewValidationError("KeyProvider", nil, "must derive a 64-byte key for master-key unwrapping")
	}

	masterSecret, err := unwrapMasterKey(kek, fsConfig.EncodedKeyData, fsConfig.CipherAlg.String())
	if err != nil {
		return nil, NewAuthenticationError(rootDir, fmt.Errorf("failed to unwrap master key (wrong password?): %w", err))
	}

	return buildEncFS(base, rootDir, fsConfig, algo, masterSecret, opts, log)
}

func buildEncFS(base absfs.FileSystem, rootDir string, fsConfig *FSConfig, algo CipherAlgorithm, masterSecret []byte, opts *Opts, log *slog.Logger) (*EncFS, error) {
	key, err := newCipherKey(algo, masterSecret)
	if err != nil {
		return nil, err
	}

	codecChoice := NameCodecBlock
	switch {
	case fsConfig.NameAlg.Name == streamNameIface.Name:
		codecChoice = NameCodecStream
	case fsConfig.NameAlg.Name == nullNameIface.Name:
		codecChoice = NameCodecNull
	}
	codec := newNameCodec(codecChoice, algo, key)

	e := &EncFS{
		base:     base,
		rootDir:  rootDir,
		fsConfig: fsConfig,
		algo:     algo,
		key:      key,
		codec:    codec,
		opts:     opts,
		log:      log,
	}

	e.ctx = NewContext(func() error { return nil }, opts != nil && opts.MountOnDemand, log)

	physicalBlockSize := fsConfig.BlockSize
	noCache := opts != nil && opts.NoCache

	buildStack := func(cipherPath string, externalIV uint64) (fileIOStack, *CipherFileIO, error) {
		if !fsConfig.ExternalIV {
			externalIV = 0
		}
		var af absfs.File
		var err error
		if fsConfig.Reverse {
			af, err = base.Open(cipherPath)
		} else {
			af, err = base.OpenFile(cipherPath, os.O_RDWR|os.O_CREATE, 0o600)
		}
		if err != nil {
			return nil, nil, NewIOError("open", cipherPath, err)
		}

		raw := NewRawFileIO(af)
		var inode uint64
		if fi, statErr := af.Stat(); statErr == nil {
			if ino, ok := fileInode(fi); ok {
				inode = ino
			} else {
				inode = fnvHash(cipherPath) ^ uint64(fi.Size())
			}
		}

		cipherBS := physicalBlockSize
		cfio := NewCipherFileIO(raw, algo, key, cipherBS, fsConfig.UniqueIV, fsConfig.AllowHoles, fsConfig.Reverse, noCache, externalIV, inode)

		if fsConfig.MACBytes == 0 && fsConfig.RandBytes == 0 {
			return cfio, cfio, nil
		}

		macio := NewMACFileIO(cfio, algo, key, physicalBlockSize, fsConfig.MACBytes, fsConfig.RandBytes, fsConfig.AllowHoles, opts != nil && opts.ForceDecode, fsConfig.Reverse || noCache, func(err error) {
			log.Warn("block MAC mismatch", "path", cipherPath, "error", err)
		})
		return macio, cfio, nil
	}

	e.dir = NewDirNode(base, rootDir, codec, fsConfig.ChainedIV, fsConfig.Reverse, e.ctx, buildStack)
	e.ctx.SetRoot(e.dir)

	return e, nil
}

// Root returns the mount's DirNode.
func (e *EncFS) Root() (*DirNode, error) {
	dir, err := e.ctx.GetRoot(false)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// Context returns the mount's registry, primarily for a FUSE host to
// resolve file handles.
func (e *EncFS) Context() *Context { return e.ctx }

// Config returns the mount's parsed on-disk configuration.
func (e *EncFS) Config() *FSConfig { return e.fsConfig }

func interfaceForNameCodec(choice NameCodecChoice) Interface {
	switch choice {
	case NameCodecStream:
		return streamNameIface
	case NameCodecNull:
		return nullNameIface
	default:
		return blockNameIface
	}
}

func algorithmForInterface(iface Interface, keySize int) (CipherAlgorithm, error) {
	switch iface.Name {
	case aesInterface.Name:
		return NewAESAlgorithm(keySize), nil
	case blowfishInterface.Name:
		return NewBlowfishAlgorithm(keySize), nil
	default:
		return nil, ErrUnsupportedCipher
	}
}
