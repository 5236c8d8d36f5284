// Package pow implements the proof-of-work rule enforced by the Krist node.
//
// A candidate is the exact byte concatenation address||block||nonce with no
// separators. Its SHA-256 digest is scored by reading the first 6 bytes as a
// big-endian integer (the first 12 hex characters of the digest), and the
// candidate is valid when that score is at or below the current work target.
package pow

import (
	"encoding/binary"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	fasthex "github.com/tmthrgd/go-hex"
)

// ScoreBytes is the number of leading digest bytes compared against the target.
const ScoreBytes = 6

// MaxScore is the largest representable score.
const MaxScore = uint64(1)<<(8*ScoreBytes) - 1

// MaxNonceLength is the longest nonce the node accepts.
const MaxNonceLength = 24

// Digest hashes a pre-image.
func Digest(preimage []byte) chainhash.Hash {
	return chainhash.HashH(preimage)
}

// Score reads the leading ScoreBytes of a digest as a big-endian integer.
func Score(digest chainhash.Hash) uint64 {
	var buf [8]byte
	copy(buf[8-ScoreBytes:], digest[:ScoreBytes])
	return binary.BigEndian.Uint64(buf[:])
}

// Meets reports whether score satisfies target.
func Meets(score, target uint64) bool {
	return score <= target
}

// Check hashes address||block||nonce and reports whether it satisfies target.
func Check(address, block, nonce string, target uint64) bool {
	return Meets(Score(Digest(AppendPreimage(nil, address, block, nonce))), target)
}

// AppendPreimage appends address||block||nonce to dst.
func AppendPreimage(dst []byte, address, block, nonce string) []byte {
	dst = append(dst, address...)
	dst = append(dst, block...)
	return append(dst, nonce...)
}

// FormatNonce renders a numeric nonce the way workers submit it.
func FormatNonce(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// AppendNonce appends the base-10 form of n to dst without allocating.
func AppendNonce(dst []byte, n uint64) []byte {
	return strconv.AppendUint(dst, n, 10)
}

// HexDigest renders a digest in byte order, the form the node prints.
func HexDigest(digest chainhash.Hash) string {
	return fasthex.EncodeToString(digest[:])
}
