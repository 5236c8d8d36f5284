// Package submission validates found solutions and submits them to the node.
package submission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floatdrop/lru"

	"github.com/bardlex/kristminer/internal/krist"
	"github.com/bardlex/kristminer/internal/pow"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

// Kind classifies a submission outcome.
type Kind int

const (
	// Accepted means the node took the solution and mined a block.
	Accepted Kind = iota
	// Rejected means the node, or local validation, found the solution invalid.
	Rejected
	// Stale means the block advanced before or during submission.
	Stale
	// NetworkError means the node could not be reached. The solution is dropped.
	NetworkError
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Stale:
		return "stale"
	case NetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Submit call.
type Result struct {
	Kind     Kind
	Solution pow.Solution
	Err      error
	Latency  time.Duration
	// Sent is false when the result was decided without contacting the node.
	Sent bool
}

// Submitter is the part of the node client the manager needs.
type Submitter interface {
	SubmitSolution(ctx context.Context, address, block, nonce string) (krist.SubmitStatus, error)
}

// RecheckFunc re-reads the chain and returns the current version. The manager
// calls it after the node refuses a solution, since the node checks against
// its own last block and never sees the one the solution was found for.
type RecheckFunc func(ctx context.Context) uint64

// Config holds submission settings
type Config struct {
	Timeout    time.Duration
	DedupeSize int
}

// DefaultConfig returns the default submission settings
func DefaultConfig() *Config {
	return &Config{
		Timeout:    10 * time.Second,
		DedupeSize: 4096,
	}
}

// Stats counts submission outcomes since startup.
type Stats struct {
	Submitted     uint64 `json:"submitted"`
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	Stale         uint64 `json:"stale"`
	NetworkErrors uint64 `json:"network_errors"`
}

// Manager submits solutions. A solution is sent at most once and never
// retried; anything found under an older chain version, for a block that was
// already won, or already submitted is Stale without a network call.
type Manager struct {
	client  Submitter
	logger  *log.Logger
	timeout time.Duration
	recheck RecheckFunc

	mu            sync.Mutex
	seen          *lru.LRU[string, struct{}]
	acceptedBlock string

	submitted     atomic.Uint64
	accepted      atomic.Uint64
	rejected      atomic.Uint64
	stale         atomic.Uint64
	networkErrors atomic.Uint64
}

// NewManager creates a submission manager.
func NewManager(client Submitter, cfg *Config, logger *log.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	size := cfg.DedupeSize
	if size <= 0 {
		size = DefaultConfig().DedupeSize
	}

	return &Manager{
		client:  client,
		logger:  logger.WithComponent("submission"),
		timeout: timeout,
		seen:    lru.New[string, struct{}](size),
	}
}

// SetRecheck installs the chain re-check used to tell a solution that lost a
// race with a new block from one the node found invalid. Call it before the
// first Submit.
func (m *Manager) SetRecheck(fn RecheckFunc) {
	m.recheck = fn
}

// Submit decides the fate of sol given the chain version current at the time
// of the call.
func (m *Manager) Submit(ctx context.Context, sol pow.Solution, currentVersion uint64) Result {
	if err := sol.Validate(); err != nil {
		m.rejected.Add(1)
		m.logger.WithError(err).Error("discarding malformed solution", "device_id", sol.DeviceID)
		return Result{Kind: Rejected, Solution: sol, Err: err}
	}

	if reason := m.claim(sol, currentVersion); reason != "" {
		m.stale.Add(1)
		m.logger.Debug("solution is stale",
			"reason", reason,
			"block", sol.Block,
			"nonce", sol.Nonce,
			"solution_version", sol.FoundAtVersion,
			"chain_version", currentVersion,
		)
		return Result{
			Kind:     Stale,
			Solution: sol,
			Err: errors.New(errors.ErrorTypeStale, "submit_solution", reason).
				WithContext("solution_version", sol.FoundAtVersion).
				WithContext("chain_version", currentVersion),
		}
	}

	m.submitted.Add(1)
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	status, err := m.client.SubmitSolution(reqCtx, sol.Address, sol.Block, sol.Nonce)
	latency := time.Since(start)
	result := Result{Solution: sol, Latency: latency, Sent: true}

	switch {
	case err != nil && errors.IsType(err, errors.ErrorTypeNode):
		m.rejected.Add(1)
		result.Kind, result.Err = Rejected, err
		m.logger.WithError(err).Error("node refused solution",
			"block", sol.Block,
			"nonce", sol.Nonce,
			"code", errors.GetContext(err)["code"],
		)
	case err != nil:
		m.networkErrors.Add(1)
		result.Kind, result.Err = NetworkError, err
		m.logger.WithError(err).Warn("solution dropped after network error",
			"block", sol.Block,
			"nonce", sol.Nonce,
		)
	case status == krist.SubmitAccepted:
		m.accepted.Add(1)
		m.markAccepted(sol.Block)
		result.Kind = Accepted
	case status == krist.SubmitStale:
		m.stale.Add(1)
		result.Kind = Stale
		result.Err = errors.New(errors.ErrorTypeStale, "submit_solution", "node reports the solution is stale")
	case m.advancedSince(ctx, sol):
		m.stale.Add(1)
		result.Kind = Stale
		result.Err = errors.New(errors.ErrorTypeStale, "submit_solution",
			"node refused the solution after the chain advanced")
	default:
		m.rejected.Add(1)
		result.Kind = Rejected
		result.Err = errors.New(errors.ErrorTypeInvalidSolution, "submit_solution",
			"node rejected a solution that passed local validation").
			WithContext("hash", sol.Hash()).
			WithContext("preimage", sol.String())
		m.logger.WithError(result.Err).Error("local proof-of-work check disagrees with node",
			"block", sol.Block,
			"nonce", sol.Nonce,
			"device_id", sol.DeviceID,
		)
	}

	if result.Kind != Rejected && result.Kind != NetworkError {
		m.logger.LogSubmission(sol.Address, sol.Block, sol.Nonce, result.Kind.String(), float64(latency.Microseconds())/1000)
	}
	return result
}

// advancedSince reports whether the chain moved past the version sol was
// found at. Without a re-check installed it reports false.
func (m *Manager) advancedSince(ctx context.Context, sol pow.Solution) bool {
	if m.recheck == nil || ctx.Err() != nil {
		return false
	}
	return m.recheck(ctx) != sol.FoundAtVersion
}

// claim records sol as submitted. It returns a non-empty reason when sol must
// be treated as stale instead.
func (m *Manager) claim(sol pow.Solution, currentVersion uint64) string {
	if sol.FoundAtVersion != currentVersion {
		return "chain advanced since the solution was found"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sol.Block == m.acceptedBlock {
		return "block already won"
	}
	key := sol.Key()
	if m.seen.Get(key) != nil {
		return "duplicate solution"
	}
	m.seen.Set(key, struct{}{})
	return ""
}

func (m *Manager) markAccepted(block string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptedBlock = block
}

// Stats returns submission counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Submitted:     m.submitted.Load(),
		Accepted:      m.accepted.Load(),
		Rejected:      m.rejected.Load(),
		Stale:         m.stale.Load(),
		NetworkErrors: m.networkErrors.Load(),
	}
}
