// Package work partitions the nonce space across devices and drives the
// per-device scan workers.
package work

import (
	"fmt"

	"lukechampine.com/uint128"
)

// DefaultNonceSpace is the size of the nonce space split between devices for
// one block. Every nonce in it renders to at most 15 decimal digits.
const DefaultNonceSpace = uint64(1) << 48

// maxWeight caps a single weight so space*sum(weights) always fits in 128 bits.
const maxWeight = uint64(1) << 32

// NonceRange is the half-open interval [Start, End).
type NonceRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Size returns End-Start.
func (r NonceRange) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether n lies in the range.
func (r NonceRange) Contains(n uint64) bool {
	return n >= r.Start && n < r.End
}

// Shift moves the range forward by offset. The second result is false when
// the shifted range would overflow uint64.
func (r NonceRange) Shift(offset uint64) (NonceRange, bool) {
	start, end := r.Start+offset, r.End+offset
	if start < r.Start || end < r.End {
		return r, false
	}
	return NonceRange{Start: start, End: end}, true
}

func (r NonceRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Partition splits [0, space) into len(weights) contiguous, disjoint ranges
// whose sizes are proportional to the weights. Range i ends at
// floor(space*cum_i/total), so the ranges always tile the space exactly.
// Zero weights count as one.
func Partition(space uint64, weights []uint64) []NonceRange {
	if len(weights) == 0 {
		return nil
	}

	clamped := make([]uint64, len(weights))
	total := uint128.Zero
	for i, w := range weights {
		switch {
		case w == 0:
			w = 1
		case w > maxWeight:
			w = maxWeight
		}
		clamped[i] = w
		total = total.Add64(w)
	}

	ranges := make([]NonceRange, len(weights))
	cum := uint128.Zero
	var start uint64
	for i, w := range clamped {
		cum = cum.Add64(w)
		end := space
		if i < len(clamped)-1 {
			end = uint128.From64(space).Mul(cum).Div(total).Lo
		}
		ranges[i] = NonceRange{Start: start, End: end}
		start = end
	}
	return ranges
}
