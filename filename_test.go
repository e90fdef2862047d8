package encryptfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestNameKey(t *testing.T, algo CipherAlgorithm) *CipherKey {
	t.Helper()
	secret := make([]byte, algo.KeySize())
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	key, err := algo.NewKey(secret)
	require.NoError(t, err)
	return key
}

func TestStreamNameCodecRoundTrip(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)
	codec := NewStreamNameCodec(algo, key)

	names := []string{
		"test.txt",
		"myfile",
		"very-long-filename-with-many-characters.doc",
		"file_with-special.chars.txt",
		"文件名.txt",
	}

	for _, name := range names {
		var iv uint64
		enc, err := codec.EncodeName(name, &iv)
		require.NoError(t, err)
		require.NotEqual(t, name, enc)

		var iv2 uint64
		dec, err := codec.DecodeName(enc, &iv2)
		require.NoError(t, err)
		require.Equal(t, name, dec)
		require.Equal(t, iv, iv2)
	}
}

func TestStreamNameCodecTamperDetection(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)
	codec := NewStreamNameCodec(algo, key)

	enc, err := codec.EncodeName("secret-file.txt", nil)
	require.NoError(t, err)

	tampered := []byte(enc)
	tampered[0] ^= 0x01
	_, err = codec.DecodeName(string(tampered), nil)
	require.Error(t, err)
}

func TestBlockNameCodecRoundTrip(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)
	codec := NewBlockNameCodec(algo, key)

	names := []string{"a", "test.txt", "exactly-sixteen!", "a very long file name indeed.tar.gz"}
	for _, name := range names {
		enc, err := codec.EncodeName(name, nil)
		require.NoError(t, err)

		dec, err := codec.DecodeName(enc, nil)
		require.NoError(t, err)
		require.Equal(t, name, dec)
	}
}

func TestBlockNameCodecDifferentKeysDiffer(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key1 := newTestNameKey(t, algo)
	secret2 := make([]byte, algo.KeySize())
	for i := range secret2 {
		secret2[i] = byte(255 - i)
	}
	key2, err := algo.NewKey(secret2)
	require.NoError(t, err)

	enc1, err := NewBlockNameCodec(algo, key1).EncodeName("shared.txt", nil)
	require.NoError(t, err)
	enc2, err := NewBlockNameCodec(algo, key2).EncodeName("shared.txt", nil)
	require.NoError(t, err)

	require.NotEqual(t, enc1, enc2)
}

func TestNullNameCodecIsIdentity(t *testing.T) {
	codec := NewNullNameCodec()
	enc, err := codec.EncodeName("plain.txt", nil)
	require.NoError(t, err)
	require.Equal(t, "plain.txt", enc)
}

func TestEncodeDecodePathChainedIV(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)
	codec := NewBlockNameCodec(algo, key)

	var iv uint64
	encPath, err := EncodePath(codec, "a/b/c.txt", &iv, true)
	require.NoError(t, err)

	var iv2 uint64
	decPath, err := DecodePath(codec, encPath, &iv2, true, "+")
	require.NoError(t, err)
	require.Equal(t, "a/b/c.txt", decPath)
	require.Equal(t, iv, iv2)
}

func TestDecodePathEscapesInvalidComponents(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)
	codec := NewBlockNameCodec(algo, key)

	dec, err := DecodePath(codec, "not-valid-base64-@@@", nil, false, "+")
	require.NoError(t, err)
	require.Equal(t, "+not-valid-base64-@@@", dec)
}
