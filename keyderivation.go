package encryptfs

import (
	"crypto/sha1"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// TimedPBKDF2 auto-tunes the PBKDF2-HMAC-SHA1 iteration count so total
// derivation time lands in roughly [desired/6, desired]. Starting from
// 1000 iterations, it scales geometrically toward the target instead of
// linear-searching, matching the original's convergence behavior. Returns
// the derived key and the iteration count actually used.
func TimedPBKDF2(pass, salt []byte, keyLen int, desired time.Duration) ([]byte, int) {
	iter := 1000

	for {
		start := time.Now()
		out := pbkdf2.Key(pass, salt, iter, keyLen, sha1.New)
		delta := time.Since(start)

		switch {
		case delta < desired/8:
			iter *= 4
		case delta < (5 * desired / 6):
			scaled := float64(iter) * float64(desired) / float64(delta)
			iter = int(scaled)
			if iter < 1 {
				iter = 1
			}
		default:
			return out, iter
		}
	}
}
