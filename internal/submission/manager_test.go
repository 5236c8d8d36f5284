package submission

import (
	"context"
	"sync"
	"testing"

	"github.com/bardlex/kristminer/internal/krist"
	"github.com/bardlex/kristminer/internal/pow"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

// mockSubmitter records submissions and answers with a fixed verdict.
type mockSubmitter struct {
	mu     sync.Mutex
	calls  []string
	status krist.SubmitStatus
	err    error
}

func (m *mockSubmitter) SubmitSolution(_ context.Context, address, block, nonce string) (krist.SubmitStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, address+block+nonce)
	return m.status, m.err
}

func (m *mockSubmitter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func solution(block, nonce string, version uint64) pow.Solution {
	return pow.Solution{Address: "k5ztameslf", Block: block, Nonce: nonce, FoundAtVersion: version}
}

func TestSubmit_ScenarioAccepted(t *testing.T) {
	client := &mockSubmitter{status: krist.SubmitAccepted}
	m := NewManager(client, nil, log.Discard())

	res := m.Submit(context.Background(), solution("b1", "42", 1), 1)
	if res.Kind != Accepted || res.Err != nil || !res.Sent {
		t.Errorf("Submit() = %+v, want Accepted", res)
	}
	if client.Calls() != 1 || client.calls[0] != "k5ztameslfb142" {
		t.Errorf("node calls = %v", client.calls)
	}
	if s := m.Stats(); s.Submitted != 1 || s.Accepted != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestSubmit_ScenarioStaleWithoutNetworkCall(t *testing.T) {
	client := &mockSubmitter{status: krist.SubmitAccepted}
	m := NewManager(client, nil, log.Discard())

	res := m.Submit(context.Background(), solution("b1", "42", 1), 2)
	if res.Kind != Stale || res.Sent {
		t.Errorf("Submit() = %+v, want unsent Stale", res)
	}
	if !errors.IsType(res.Err, errors.ErrorTypeStale) {
		t.Errorf("Err = %v, want stale error", res.Err)
	}
	if client.Calls() != 0 {
		t.Errorf("node called %d times, want 0", client.Calls())
	}
	if s := m.Stats(); s.Stale != 1 || s.Submitted != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestSubmit_FirstAcceptedWins(t *testing.T) {
	client := &mockSubmitter{status: krist.SubmitAccepted}
	m := NewManager(client, nil, log.Discard())

	first := m.Submit(context.Background(), solution("b1", "42", 1), 1)
	second := m.Submit(context.Background(), solution("b1", "77", 1), 1)

	if first.Kind != Accepted {
		t.Fatalf("first Submit() = %v", first.Kind)
	}
	if second.Kind != Stale || second.Sent {
		t.Errorf("second Submit() for a won block = %+v, want unsent Stale", second)
	}
	if client.Calls() != 1 {
		t.Errorf("node called %d times, want 1", client.Calls())
	}

	other := m.Submit(context.Background(), solution("b2", "77", 1), 1)
	if other.Kind != Accepted {
		t.Errorf("Submit() for a new block = %v, want Accepted", other.Kind)
	}
}

func TestSubmit_DuplicateIsStale(t *testing.T) {
	client := &mockSubmitter{status: krist.SubmitStale}
	m := NewManager(client, nil, log.Discard())

	m.Submit(context.Background(), solution("b1", "42", 1), 1)
	res := m.Submit(context.Background(), solution("b1", "42", 1), 1)

	if res.Kind != Stale || res.Sent {
		t.Errorf("duplicate Submit() = %+v, want unsent Stale", res)
	}
	if client.Calls() != 1 {
		t.Errorf("node called %d times, want 1", client.Calls())
	}
}

func TestSubmit_NodeVerdicts(t *testing.T) {
	tests := []struct {
		name   string
		status krist.SubmitStatus
		err    error
		want   Kind
		errTyp errors.ErrorType
	}{
		{name: "stale", status: krist.SubmitStale, want: Stale, errTyp: errors.ErrorTypeStale},
		{name: "rejected", status: krist.SubmitRejected, want: Rejected, errTyp: errors.ErrorTypeInvalidSolution},
		{
			name:   "network",
			err:    errors.New(errors.ErrorTypeNetwork, "node_request", "connection refused"),
			want:   NetworkError,
			errTyp: errors.ErrorTypeNetwork,
		},
		{
			name:   "node error",
			status: krist.SubmitRejected,
			err:    errors.New(errors.ErrorTypeNode, "node_request", "mining disabled").WithContext("code", krist.ErrCodeMiningDisabled),
			want:   Rejected,
			errTyp: errors.ErrorTypeNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockSubmitter{status: tt.status, err: tt.err}
			m := NewManager(client, nil, log.Discard())

			res := m.Submit(context.Background(), solution("b1", "42", 1), 1)
			if res.Kind != tt.want {
				t.Errorf("Submit() kind = %v, want %v", res.Kind, tt.want)
			}
			if !errors.IsType(res.Err, tt.errTyp) {
				t.Errorf("Submit() err = %v, want %s", res.Err, tt.errTyp)
			}
			if client.Calls() != 1 {
				t.Errorf("node called %d times, want exactly 1", client.Calls())
			}
		})
	}
}

func TestSubmit_RefusedAfterChainAdvanced(t *testing.T) {
	tests := []struct {
		name         string
		chainVersion uint64
		want         Kind
		errTyp       errors.ErrorType
		wantStats    Stats
	}{
		{
			name:         "block moved on the node",
			chainVersion: 2,
			want:         Stale,
			errTyp:       errors.ErrorTypeStale,
			wantStats:    Stats{Submitted: 1, Stale: 1},
		},
		{
			name:         "same block",
			chainVersion: 1,
			want:         Rejected,
			errTyp:       errors.ErrorTypeInvalidSolution,
			wantStats:    Stats{Submitted: 1, Rejected: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockSubmitter{status: krist.SubmitRejected}
			m := NewManager(client, nil, log.Discard())
			rechecks := 0
			m.SetRecheck(func(context.Context) uint64 {
				rechecks++
				return tt.chainVersion
			})

			res := m.Submit(context.Background(), solution("b1", "42", 1), 1)
			if res.Kind != tt.want || !errors.IsType(res.Err, tt.errTyp) {
				t.Errorf("Submit() = %v (%v), want %v", res.Kind, res.Err, tt.want)
			}
			if !res.Sent || rechecks != 1 {
				t.Errorf("sent = %v, rechecks = %d", res.Sent, rechecks)
			}
			if got := m.Stats(); got != tt.wantStats {
				t.Errorf("Stats() = %+v, want %+v", got, tt.wantStats)
			}
		})
	}
}

func TestSubmit_AcceptedSkipsRecheck(t *testing.T) {
	m := NewManager(&mockSubmitter{status: krist.SubmitAccepted}, nil, log.Discard())
	m.SetRecheck(func(context.Context) uint64 {
		t.Error("recheck called for an accepted solution")
		return 0
	})

	if res := m.Submit(context.Background(), solution("b1", "42", 1), 1); res.Kind != Accepted {
		t.Errorf("Submit() kind = %v, want accepted", res.Kind)
	}
}

func TestSubmit_MalformedSolution(t *testing.T) {
	client := &mockSubmitter{status: krist.SubmitAccepted}
	m := NewManager(client, nil, log.Discard())

	res := m.Submit(context.Background(), pow.Solution{Address: "k5ztameslf", Block: "b1", FoundAtVersion: 1}, 1)
	if res.Kind != Rejected || !errors.IsType(res.Err, errors.ErrorTypeValidation) {
		t.Errorf("Submit(no nonce) = %+v", res)
	}
	if client.Calls() != 0 {
		t.Errorf("malformed solution reached the node")
	}
}

func TestKindString(t *testing.T) {
	for kind, want := range map[Kind]string{Accepted: "accepted", Rejected: "rejected", Stale: "stale", NetworkError: "network_error", Kind(9): "unknown"} {
		if kind.String() != want {
			t.Errorf("%d.String() = %q, want %q", kind, kind.String(), want)
		}
	}
}
