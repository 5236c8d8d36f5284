package pow

import (
	"fmt"
	"time"

	"github.com/bardlex/kristminer/pkg/errors"
)

// Solution is a candidate result reported by a device worker. It is created
// once, never mutated, and submitted at most once.
type Solution struct {
	Address        string    `json:"address"`
	Block          string    `json:"block"`
	Nonce          string    `json:"nonce"`
	FoundAtVersion uint64    `json:"found_at_version"`
	DeviceID       int       `json:"device_id"`
	FoundAt        time.Time `json:"found_at"`
}

// Preimage returns address||block||nonce.
func (s Solution) Preimage() []byte {
	return AppendPreimage(make([]byte, 0, len(s.Address)+len(s.Block)+len(s.Nonce)), s.Address, s.Block, s.Nonce)
}

// String returns the pre-image as text.
func (s Solution) String() string {
	return string(s.Preimage())
}

// Key identifies a solution for duplicate suppression.
func (s Solution) Key() string {
	return s.Block + "/" + s.Nonce
}

// Hash returns the hex digest of the pre-image.
func (s Solution) Hash() string {
	return HexDigest(Digest(s.Preimage()))
}

// Satisfies reports whether the solution meets target.
func (s Solution) Satisfies(target uint64) bool {
	return Meets(Score(Digest(s.Preimage())), target)
}

// Validate checks the structural invariants of a solution.
func (s Solution) Validate() error {
	switch {
	case s.Address == "":
		return errors.New(errors.ErrorTypeValidation, "solution_validation", "address is required")
	case s.Block == "":
		return errors.New(errors.ErrorTypeValidation, "solution_validation", "block is required")
	case s.Nonce == "":
		return errors.New(errors.ErrorTypeValidation, "solution_validation", "nonce is required")
	case len(s.Nonce) > MaxNonceLength:
		return errors.New(errors.ErrorTypeValidation, "solution_validation",
			fmt.Sprintf("nonce longer than %d characters", MaxNonceLength)).
			WithContext("nonce_length", len(s.Nonce))
	}
	return nil
}
