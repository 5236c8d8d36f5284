package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
)

// referenceCheck mirrors the node's own rule: parse the first 12 hex
// characters of the digest and compare against the work value.
func referenceCheck(address, block, nonce string, target uint64) bool {
	sum := sha256.Sum256([]byte(address + block + nonce))
	score, err := strconv.ParseUint(hex.EncodeToString(sum[:])[:12], 16, 64)
	if err != nil {
		panic(err)
	}
	return score <= target
}

func referenceScore(preimage string) uint64 {
	sum := sha256.Sum256([]byte(preimage))
	score, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:12], 16, 64)
	return score
}

func TestScore_MatchesHexPrefix(t *testing.T) {
	inputs := []string{
		"",
		"k5ztameslf000000abcdef0",
		"kabcdefghi123456789abc42",
		"a5dfb396d3" + "0000000000b4" + "999999999999999999",
	}

	for _, in := range inputs {
		got := Score(Digest([]byte(in)))
		want := referenceScore(in)
		if got != want {
			t.Errorf("Score(%q) = %d, want %d", in, got, want)
		}
		if got > MaxScore {
			t.Errorf("Score(%q) = %d exceeds MaxScore", in, got)
		}
	}
}

func TestMeets(t *testing.T) {
	tests := []struct {
		score, target uint64
		want          bool
	}{
		{0, 0, true},
		{100, 100, true},
		{101, 100, false},
		{MaxScore, MaxScore, true},
	}

	for _, tt := range tests {
		if got := Meets(tt.score, tt.target); got != tt.want {
			t.Errorf("Meets(%d, %d) = %v, want %v", tt.score, tt.target, got, tt.want)
		}
	}
}

func TestCheck_Boundaries(t *testing.T) {
	const address, block, nonce = "k5ztameslf", "0000000000b4", "42"
	score := referenceScore(address + block + nonce)

	if !Check(address, block, nonce, score) {
		t.Error("Check() should accept a target equal to the score")
	}
	if score > 0 && Check(address, block, nonce, score-1) {
		t.Error("Check() should reject a target one below the score")
	}
	if !Check(address, block, nonce, MaxScore) {
		t.Error("Check() should accept the maximum target")
	}
}

func TestPreimageOrder(t *testing.T) {
	s := Solution{Address: "kaddress00", Block: "abcdef012345", Nonce: "42"}

	if got := s.String(); got != "kaddress00abcdef01234542" {
		t.Errorf("Preimage = %q, want address||block||nonce", got)
	}
	if got := string(AppendPreimage([]byte("x"), "a", "b", "c")); got != "xabc" {
		t.Errorf("AppendPreimage() = %q, want %q", got, "xabc")
	}
}

func TestFormatNonce(t *testing.T) {
	if got := FormatNonce(42); got != "42" {
		t.Errorf("FormatNonce(42) = %q", got)
	}
	if got := string(AppendNonce([]byte("n"), 18446744073709551615)); got != "n18446744073709551615" {
		t.Errorf("AppendNonce(max) = %q", got)
	}
	if len(FormatNonce(^uint64(0))) > MaxNonceLength {
		t.Error("largest uint64 nonce must fit the node's nonce limit")
	}
}

func TestSolution_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sol     Solution
		wantErr bool
	}{
		{"valid", Solution{Address: "k5ztameslf", Block: "0000000000b4", Nonce: "1"}, false},
		{"missing address", Solution{Block: "b", Nonce: "1"}, true},
		{"missing block", Solution{Address: "a", Nonce: "1"}, true},
		{"missing nonce", Solution{Address: "a", Block: "b"}, true},
		{"nonce too long", Solution{Address: "a", Block: "b", Nonce: "1234567890123456789012345"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.sol.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSolution_Hash(t *testing.T) {
	s := Solution{Address: "k5ztameslf", Block: "0000000000b4", Nonce: "7"}
	sum := sha256.Sum256([]byte("k5ztameslf0000000000b47"))

	if got, want := s.Hash(), hex.EncodeToString(sum[:]); got != want {
		t.Errorf("Hash() = %s, want %s", got, want)
	}
	if s.Key() != "0000000000b4/7" {
		t.Errorf("Key() = %q", s.Key())
	}
}

func FuzzCheckMatchesReference(f *testing.F) {
	f.Add("k5ztameslf", "0000000000b4", uint64(0), uint64(100000))
	f.Add("kabcdefghi", "ffffffffffff", uint64(42), uint64(0))
	f.Add("a5dfb396d3", "123456789abc", uint64(1<<40), MaxScore)

	f.Fuzz(func(t *testing.T, address, block string, n, target uint64) {
		nonce := FormatNonce(n)
		got := Check(address, block, nonce, target)
		want := referenceCheck(address, block, nonce, target)
		if got != want {
			t.Fatalf("Check(%q, %q, %q, %d) = %v, reference = %v", address, block, nonce, target, got, want)
		}
	})
}
