package encryptfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMAC16ChainPropagatesFullWidth pins the chained-IV update to the full
// 64-bit MAC rather than the 16-bit truncation MAC16 returns to its caller.
// EncodePath chains successive path components through MAC16 so each
// component's ciphertext depends on the plaintext of the ones before it;
// truncating the chained state to 16 bits would collapse that dependency to
// a fraction of its intended entropy even though encode/decode still agree
// with each other.
func TestMAC16ChainPropagatesFullWidth(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)

	var chain uint64 = 0
	algo.MAC16([]byte("first-component"), key, &chain)

	var chain64 uint64 = 0
	full := algo.MAC64([]byte("first-component"), key, &chain64)

	require.Equal(t, full, chain, "MAC16 must chain the unmasked 64-bit MAC, not its 16-bit return value")
	require.Greater(t, chain, uint64(1<<16)-1, "chained state collapsed to 16 bits")
}

// TestMAC16ReturnValueStillTruncated ensures narrowing the returned digest
// to 16 bits wasn't lost while fixing the chaining behavior above.
func TestMAC16ReturnValueStillTruncated(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)

	var chain uint64
	got := algo.MAC16([]byte("second-component"), key, &chain)
	require.LessOrEqual(t, uint64(got), uint64(1<<16)-1)
}

// TestMAC64ChainRoundTrips confirms encode/decode still agree when chaining
// through successive components with the corrected update order.
func TestMAC64ChainRoundTrips(t *testing.T) {
	algo := NewAESAlgorithm(32)
	key := newTestNameKey(t, algo)

	var encodeChain uint64
	a := algo.MAC64([]byte("alpha"), key, &encodeChain)
	b := algo.MAC64([]byte("beta"), key, &encodeChain)

	var decodeChain uint64
	a2 := algo.MAC64([]byte("alpha"), key, &decodeChain)
	b2 := algo.MAC64([]byte("beta"), key, &decodeChain)

	require.Equal(t, a, a2)
	require.Equal(t, b, b2)
	require.Equal(t, encodeChain, decodeChain)
}
