package work

import (
	"context"
	"sync"

	"github.com/bardlex/kristminer/internal/chain"
	"github.com/bardlex/kristminer/internal/device"
	"github.com/bardlex/kristminer/internal/pow"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

// ErrNoDevices is returned once every device has failed.
var ErrNoDevices = errors.New(errors.ErrorTypeDevice, "coordinator", "no working devices remain")

// DeviceStats is a point-in-time view of one worker.
type DeviceStats struct {
	Device  device.Descriptor `json:"device"`
	Hashes  uint64            `json:"hashes"`
	Range   NonceRange        `json:"range"`
	Running bool              `json:"running"`
}

type slot struct {
	worker *Worker
	size   uint64
}

// Coordinator owns the workers. It partitions the nonce space between them in
// proportion to their work sizes, restarts them on every block change, and
// drops any solution not found under the current snapshot.
//
// Every nonce handed out for a block is fresh: exhausted ranges and
// repartitions after a device failure draw from a frontier past everything
// already assigned for that block.
type Coordinator struct {
	logger *log.Logger
	space  uint64

	mu       sync.Mutex
	ctx      context.Context
	address  string
	snapshot chain.Snapshot
	slots    []*slot
	failed   []device.Descriptor
	frontier uint64
}

// NewCoordinator creates a coordinator that mines to address. A zero space
// selects DefaultNonceSpace.
func NewCoordinator(address string, space uint64, logger *log.Logger) *Coordinator {
	if space == 0 {
		space = DefaultNonceSpace
	}
	return &Coordinator{
		logger:  logger.WithComponent("coordinator"),
		space:   space,
		ctx:     context.Background(),
		address: address,
	}
}

// Reconfigure replaces the worker set and starts every device against snap.
// Workers run under ctx until the next reconfigure or StopAll. A snapshot
// that has not observed a block yet leaves the workers idle.
func (c *Coordinator) Reconfigure(ctx context.Context, devices []device.Device, snap chain.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.ctx = ctx
	c.snapshot = snap
	c.failed = nil
	c.slots = make([]*slot, 0, len(devices))
	for _, d := range devices {
		w := NewWorker(d, c.logger)
		c.slots = append(c.slots, &slot{worker: w})
	}
	if len(c.slots) == 0 {
		return ErrNoDevices
	}

	c.logger.Info("coordinator configured", "devices", len(c.slots), "nonce_space", c.space)
	c.restartLocked(true)
	return nil
}

// OnBlockChanged stops every worker, discards their unreported results and
// restarts them on freshly partitioned ranges for snap.
func (c *Coordinator) OnBlockChanged(snap chain.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = snap
	c.restartLocked(true)
}

// SetAddress changes the address mined to and restarts the workers on fresh
// ranges of the current block.
func (c *Coordinator) SetAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if address == c.address {
		return
	}
	c.address = address
	c.restartLocked(false)
}

// Address returns the address currently mined to.
func (c *Coordinator) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Collect drains solutions reported since the last call. Exhausted workers
// are moved to fresh ranges; failed devices are excluded and the rest
// repartitioned. ErrNoDevices is returned when no device is left.
func (c *Coordinator) Collect() ([]pow.Solution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.slots) == 0 {
		return nil, ErrNoDevices
	}

	var (
		solutions []pow.Solution
		alive     = make([]*slot, 0, len(c.slots))
		lostAny   bool
	)
	for _, s := range c.slots {
		report := s.worker.Poll()

		for _, sol := range report.Solutions {
			if sol.FoundAtVersion != c.snapshot.Version || sol.Block != c.snapshot.BlockID || sol.Address != c.address {
				c.logger.Debug("dropping solution from a superseded assignment",
					"device_id", sol.DeviceID,
					"solution_version", sol.FoundAtVersion,
					"chain_version", c.snapshot.Version,
				)
				continue
			}
			solutions = append(solutions, sol)
		}

		switch {
		case report.Err != nil:
			s.worker.Stop()
			c.failed = append(c.failed, s.worker.Descriptor())
			lostAny = true
			c.logger.WithError(report.Err).Error("excluding failed device",
				"device_id", s.worker.Descriptor().ID,
			)
		case report.Exhausted:
			alive = append(alive, s)
			if !lostAny {
				c.reassignLocked(s)
			}
		default:
			alive = append(alive, s)
		}
	}

	c.slots = alive
	if len(c.slots) == 0 {
		return solutions, ErrNoDevices
	}
	if lostAny {
		c.restartLocked(false)
	}
	return solutions, nil
}

// Stats returns per-device statistics.
func (c *Coordinator) Stats() []DeviceStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make([]DeviceStats, 0, len(c.slots))
	for _, s := range c.slots {
		stats = append(stats, DeviceStats{
			Device:  s.worker.Descriptor(),
			Hashes:  s.worker.Hashes(),
			Range:   s.worker.Assignment().Range,
			Running: s.worker.Running(),
		})
	}
	return stats
}

// Failed returns the devices excluded since the last reconfigure.
func (c *Coordinator) Failed() []device.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]device.Descriptor(nil), c.failed...)
}

// StopAll stops every worker and waits for their scans to return.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Coordinator) stopLocked() {
	var wg sync.WaitGroup
	for _, s := range c.slots {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(s.worker)
	}
	wg.Wait()
}

// restartLocked stops every worker and hands out a new partition. For a new
// block the partition starts at zero; otherwise it starts at the frontier.
func (c *Coordinator) restartLocked(newBlock bool) {
	c.stopLocked()
	if newBlock {
		c.frontier = 0
	}
	if !c.snapshot.Ready() || len(c.slots) == 0 {
		return
	}

	weights := make([]uint64, len(c.slots))
	for i, s := range c.slots {
		weights[i] = s.worker.Descriptor().AssignedWorkSize
	}

	base := c.frontier
	for i, r := range Partition(c.space, weights) {
		shifted, ok := r.Shift(base)
		if !ok {
			shifted = r
		}
		c.slots[i].size = r.Size()
		c.startLocked(c.slots[i], shifted)
	}
	c.advanceFrontier(c.space)

	c.logger.Debug("workers restarted",
		"block", c.snapshot.BlockID,
		"chain_version", c.snapshot.Version,
		"base", base,
	)
}

// reassignLocked moves an exhausted worker to a fresh range of its usual size.
func (c *Coordinator) reassignLocked(s *slot) {
	r := NonceRange{Start: c.frontier, End: c.frontier + s.size}
	if r.End < r.Start {
		c.frontier = 0
		r = NonceRange{Start: 0, End: s.size}
	}
	c.advanceFrontier(s.size)
	c.startLocked(s, r)
}

func (c *Coordinator) startLocked(s *slot, r NonceRange) {
	s.worker.Start(c.ctx, Assignment{
		Address:  c.address,
		Snapshot: c.snapshot,
		Range:    r,
	})
}

func (c *Coordinator) advanceFrontier(n uint64) {
	next := c.frontier + n
	if next < c.frontier {
		next = 0
	}
	c.frontier = next
}
