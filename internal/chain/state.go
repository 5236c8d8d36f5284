// Package chain tracks the remote node's mining state.
//
// State is refreshed by the control loop only. Readers get Snapshot values,
// which are plain copies: a refresh swaps the stored pointer and never touches
// a snapshot already handed out.
package chain

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bardlex/kristminer/internal/krist"
	"github.com/bardlex/kristminer/pkg/log"
)

// Snapshot is an immutable view of the chain at one version.
type Snapshot struct {
	BlockID    string    `json:"block_id"`
	Target     uint64    `json:"target"`
	Version    uint64    `json:"version"`
	ObservedAt time.Time `json:"observed_at"`
}

// Ready reports whether the snapshot describes a real block.
func (s Snapshot) Ready() bool {
	return s.BlockID != ""
}

// Source is the part of the node client State needs.
type Source interface {
	GetChainInfo(ctx context.Context) (krist.ChainInfo, error)
}

// State holds the latest known snapshot. Version 0 means nothing has been
// observed yet; the first successful refresh produces version 1.
type State struct {
	source  Source
	logger  *log.Logger
	timeout time.Duration

	current  atomic.Pointer[Snapshot]
	failures atomic.Uint64
}

// NewState creates a chain state backed by source.
func NewState(source Source, logger *log.Logger, timeout time.Duration) *State {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &State{
		source:  source,
		logger:  logger.WithComponent("chain"),
		timeout: timeout,
	}
	s.current.Store(&Snapshot{})
	return s
}

// Current returns the latest snapshot without contacting the node.
func (s *State) Current() Snapshot {
	return *s.current.Load()
}

// Failures returns how many refreshes failed since startup.
func (s *State) Failures() uint64 {
	return s.failures.Load()
}

// Refresh queries the node. When the block id differs from the stored one the
// version is bumped and the snapshot replaced; otherwise the stored snapshot
// is returned unchanged. Errors are logged and treated as "no change".
func (s *State) Refresh(ctx context.Context) (Snapshot, bool) {
	prev := s.current.Load()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.source.GetChainInfo(reqCtx)
	if err != nil {
		s.failures.Add(1)
		if ctx.Err() == nil {
			s.logger.WithError(err).Warn("chain refresh failed, keeping previous snapshot",
				"block", prev.BlockID,
				"chain_version", prev.Version,
			)
		}
		return *prev, false
	}

	if info.BlockID == "" || info.BlockID == prev.BlockID {
		return *prev, false
	}

	next := &Snapshot{
		BlockID:    info.BlockID,
		Target:     info.Target,
		Version:    prev.Version + 1,
		ObservedAt: time.Now(),
	}
	s.current.Store(next)
	s.logger.LogBlockChanged(prev.BlockID, next.BlockID, next.Target, next.Version)

	return *next, true
}
