// Package miner runs the mining loop: it refreshes the chain state on a fixed
// tick, restarts the devices on every block change, submits what they find
// and, in relay mode, forwards each reward to the deposit address.
package miner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/kristminer/internal/chain"
	"github.com/bardlex/kristminer/internal/device"
	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/internal/pow"
	"github.com/bardlex/kristminer/internal/relay"
	"github.com/bardlex/kristminer/internal/submission"
	"github.com/bardlex/kristminer/internal/work"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

// Relayer forwards mined funds from the temporary address.
type Relayer interface {
	Setup(ctx context.Context) (string, error)
	Payout(ctx context.Context) (relay.Payout, error)
	MiningAddress() string
}

var _ Relayer = (*relay.Relayer)(nil)

// Config wires the controller's collaborators.
type Config struct {
	Chain       *chain.State
	Coordinator *work.Coordinator
	Submissions *submission.Manager
	// Relay is nil unless relay mode is on.
	Relay   Relayer
	Bus     *events.Bus
	Devices []device.Device

	Deposit       string
	RefreshRate   time.Duration
	HashrateEvery time.Duration
}

// Controller is the top-level orchestrator. Start and Stop are safe to call
// from any goroutine; everything else in the loop runs on one goroutine.
type Controller struct {
	chain   *chain.State
	coord   *work.Coordinator
	subs    *submission.Manager
	relay   Relayer
	bus     *events.Bus
	devices []device.Device
	logger  *log.Logger

	deposit       string
	refreshRate   time.Duration
	hashrateEvery time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	group      *errgroup.Group
	running    bool
	startedAt  time.Time
	failedSeen int

	// relayPending is set by Start and cleared by the loop once setup works.
	relayPending bool

	rateMu     sync.RWMutex
	lastHashes map[int]uint64
	rates      map[int]float64
	lastSample time.Time
}

// New validates cfg and creates a stopped controller.
func New(cfg Config, logger *log.Logger) (*Controller, error) {
	switch {
	case cfg.Chain == nil || cfg.Coordinator == nil || cfg.Submissions == nil:
		return nil, errors.New(errors.ErrorTypeConfiguration, "controller_init",
			"chain state, coordinator and submission manager are required")
	case len(cfg.Devices) == 0:
		return nil, errors.New(errors.ErrorTypeConfiguration, "controller_init",
			"at least one device is required")
	case cfg.RefreshRate <= 0:
		return nil, errors.New(errors.ErrorTypeConfiguration, "controller_init",
			"refresh rate must be positive")
	}
	if cfg.HashrateEvery <= 0 {
		cfg.HashrateEvery = 10 * time.Second
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(nil, logger)
	}

	c := &Controller{
		chain:         cfg.Chain,
		coord:         cfg.Coordinator,
		subs:          cfg.Submissions,
		relay:         cfg.Relay,
		bus:           cfg.Bus,
		devices:       cfg.Devices,
		logger:        logger.WithComponent("controller"),
		deposit:       cfg.Deposit,
		refreshRate:   cfg.RefreshRate,
		hashrateEvery: cfg.HashrateEvery,
		lastHashes:    make(map[int]uint64),
		rates:         make(map[int]float64),
	}
	c.subs.SetRecheck(c.refreshChain)
	return c, nil
}

// Start prepares relay mode, takes a first chain snapshot, starts every
// device and launches the control loop. It returns once mining is under way;
// use Wait for the loop's outcome.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New(errors.ErrorTypeInternal, "controller_start", "controller already running")
	}

	c.relayPending = false
	if c.relay != nil {
		address, err := c.relay.Setup(ctx)
		switch {
		case err == nil:
			c.coord.SetAddress(address)
		case ctx.Err() == nil && errors.IsTransient(err):
			c.relayPending = true
			c.logger.WithError(err).Warn("relay setup failed, devices stay idle until the node is reachable")
		default:
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	// Devices stay idle on an unobserved snapshot until the relay is ready.
	var snap chain.Snapshot
	changed := false
	if !c.relayPending {
		snap, changed = c.chain.Refresh(gctx)
	}
	if err := c.coord.Reconfigure(gctx, c.devices, snap); err != nil {
		cancel()
		return err
	}
	if changed {
		c.publishBlock(snap)
	}

	c.cancel = cancel
	c.group = group
	c.running = true
	c.startedAt = time.Now()
	c.failedSeen = 0
	c.resetRates()

	c.logger.Info("miner started",
		"address", c.coord.Address(),
		"deposit", c.deposit,
		"relay", c.relay != nil,
		"devices", len(c.devices),
		"refresh_rate", c.refreshRate.String(),
	)

	group.Go(func() error { return c.bus.Run(gctx) })
	group.Go(func() error { return c.loop(gctx) })
	group.Go(func() error { return c.sampleHashrate(gctx) })

	return nil
}

// Wait blocks until the loop ends and returns the fatal error, if any. A
// cancelled context is not an error.
func (c *Controller) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()

	if group == nil {
		return nil
	}
	err := group.Wait()
	c.coord.StopAll()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if err == context.Canceled {
		return nil
	}
	return err
}

// Stop cancels the loop, stops every device and waits for them.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cancel, startedAt := c.cancel, c.startedAt
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := c.Wait()
	c.logger.Info("miner stopped", "uptime", time.Since(startedAt).String())
	return err
}

// Run starts the controller and blocks until ctx is done or mining fails.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Wait()
}

func (c *Controller) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				c.logger.WithError(err).Error("mining stopped")
				return err
			}
		}
	}
}

// tick is one pass of the control loop. Only a loss of every device is
// returned as an error; everything else is absorbed and reported.
func (c *Controller) tick(ctx context.Context) error {
	if c.relayPending {
		if !c.retryRelaySetup(ctx) {
			return nil
		}
	}

	c.refreshChain(ctx)

	solutions, collectErr := c.coord.Collect()
	c.reportFailures()

	for _, sol := range solutions {
		if ctx.Err() != nil {
			return nil
		}
		c.handleSolution(ctx, sol)
	}

	return collectErr
}

// refreshChain re-reads the chain and restarts the devices when the block
// changed. It returns the current chain version.
func (c *Controller) refreshChain(ctx context.Context) uint64 {
	snap, changed := c.chain.Refresh(ctx)
	if changed {
		c.coord.OnBlockChanged(snap)
		c.publishBlock(snap)
	}
	return snap.Version
}

// retryRelaySetup retries a relay setup that failed at startup. On success
// the devices start on the current block.
func (c *Controller) retryRelaySetup(ctx context.Context) bool {
	address, err := c.relay.Setup(ctx)
	if err != nil {
		c.logger.WithError(err).Debug("relay setup still failing")
		return false
	}

	c.relayPending = false
	c.coord.SetAddress(address)
	if snap := c.chain.Current(); snap.Version > 0 {
		c.coord.OnBlockChanged(snap)
	}
	return true
}

func (c *Controller) handleSolution(ctx context.Context, sol pow.Solution) {
	c.logger.LogSolutionFound(sol.DeviceID, sol.Block, sol.Nonce, sol.FoundAtVersion)
	c.bus.Publish(events.Event{
		Type:     events.SolutionFound,
		DeviceID: sol.DeviceID,
		Block:    sol.Block,
		Version:  sol.FoundAtVersion,
		Address:  sol.Address,
		Nonce:    sol.Nonce,
	})

	res := c.subs.Submit(ctx, sol, c.chain.Current().Version)

	e := events.Event{
		Type:     events.SubmissionResult,
		DeviceID: sol.DeviceID,
		Block:    sol.Block,
		Version:  sol.FoundAtVersion,
		Address:  sol.Address,
		Nonce:    sol.Nonce,
		Result:   res.Kind.String(),
	}
	if res.Err != nil {
		e.Message = res.Err.Error()
	}
	c.bus.Publish(e)

	if res.Kind == submission.Accepted && c.relay != nil {
		c.forward(ctx)
	}
}

// forward sends the temporary balance to the deposit address. A failed payout
// leaves the funds where they are; the next payout or restart sweeps them.
func (c *Controller) forward(ctx context.Context) {
	payout, err := c.relay.Payout(ctx)
	if err != nil {
		c.logger.WithError(err).Error("relay payout failed, funds stay on the temporary address",
			"address", c.relay.MiningAddress(),
		)
		return
	}

	if payout.Amount > 0 {
		c.bus.Publish(events.Event{
			Type:    events.RelayTransfer,
			From:    payout.From,
			Address: payout.To,
			Amount:  payout.Amount,
		})
	}
	if payout.NextAddress != "" {
		c.coord.SetAddress(payout.NextAddress)
	}
}

func (c *Controller) reportFailures() {
	failed := c.coord.Failed()

	c.mu.Lock()
	seen := c.failedSeen
	c.failedSeen = len(failed)
	c.mu.Unlock()

	for _, d := range failed[min(seen, len(failed)):] {
		c.bus.Publish(events.Event{
			Type:     events.DeviceFailed,
			DeviceID: d.ID,
			Message:  d.Name,
		})
	}
}

func (c *Controller) publishBlock(snap chain.Snapshot) {
	c.bus.Publish(events.Event{
		Type:    events.BlockChanged,
		Block:   snap.BlockID,
		Target:  snap.Target,
		Version: snap.Version,
	})
}

func (c *Controller) sampleHashrate(ctx context.Context) error {
	ticker := time.NewTicker(c.hashrateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for id, rate := range c.sample(now) {
				c.logger.LogHashrate(id, rate)
				c.bus.Publish(events.Event{
					Type:     events.Hashrate,
					DeviceID: id,
					Hashrate: rate,
				})
			}
		}
	}
}

// sample computes hashes per second per device since the previous sample.
// Devices no longer reported by the coordinator drop out of the rates.
func (c *Controller) sample(now time.Time) map[int]float64 {
	stats := c.coord.Stats()

	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	elapsed := now.Sub(c.lastSample).Seconds()
	c.lastSample = now

	hashes := make(map[int]uint64, len(stats))
	rates := make(map[int]float64, len(stats))
	for _, s := range stats {
		id := s.Device.ID
		delta := s.Hashes - c.lastHashes[id]
		hashes[id] = s.Hashes
		if elapsed > 0 {
			rates[id] = float64(delta) / elapsed
		} else {
			rates[id] = 0
		}
	}
	c.lastHashes, c.rates = hashes, rates

	out := make(map[int]float64, len(rates))
	for id, r := range rates {
		out[id] = r
	}
	return out
}

func (c *Controller) resetRates() {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	c.lastSample = time.Now()
	c.lastHashes = make(map[int]uint64)
	c.rates = make(map[int]float64)
	for _, s := range c.coord.Stats() {
		c.lastHashes[s.Device.ID] = s.Hashes
	}
}
