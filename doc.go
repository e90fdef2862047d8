// Package encryptfs implements a block-oriented transparent encryption
// layer over the AbsFs filesystem abstraction, in the tradition of EncFS:
// every plaintext file becomes a ciphertext file of the same shape one
// directory level down, encrypted and MAC'd block by block so random-access
// reads and writes never require touching the whole file.
//
// # Overview
//
// A mount couples an absfs.FileSystem holding ciphertext (the "backing"
// filesystem) with a CipherKey derived from a KeyProvider. CreateMount
// initializes a new mount by generating a random master key, wrapping it
// under a password- or recipient-derived key-encryption key, and writing
// the wrapped key plus cipher/layout parameters to .encfs6.xml at the
// backing root. OpenMount reads that file back and unwraps the master key.
// Either call returns an *EncFS implementing absfs.FileSystem, so it can be
// used as a library directly or handed to cmd/encfs's FUSE host.
//
// # Layering
//
// Each open file is a stack of narrow interfaces: RawFileIO adapts an
// absfs.File to block-aligned reads and writes; CipherFileIO encrypts each
// block and manages the file's random per-file IV header; MACFileIO
// (optional, controlled by the mount's MACBytes/RandBytes) authenticates
// each block and can add a random per-block prefix. BlockIO turns whatever
// sits below it into arbitrary-offset, arbitrary-length I/O with a small
// read cache and hole-aware padding on sparse writes.
//
// Directory and file names are translated independently through a
// NameCodec (stream, block, or null), optionally chaining each directory's
// initialization vector into its children's names so a directory rename
// re-derives every descendant's ciphertext name.
//
// # Security considerations
//
// Protected against: unauthorized reads of ciphertext at rest, undetected
// tampering of file contents when block MACs are enabled, and (with
// chained IVs) directory-rename metadata correlation across snapshots.
//
// Not protected against: a compromised backing filesystem host with access
// to the running mount's memory, side-channel attacks against the cipher
// implementation, or filename/size metadata leakage when MAC and chained
// IVs are disabled.
package encryptfs
