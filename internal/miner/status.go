package miner

import (
	"sort"
	"time"

	"github.com/bardlex/kristminer/internal/chain"
	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/internal/submission"
	"github.com/bardlex/kristminer/internal/work"
)

// Status is a point-in-time summary of the miner.
type Status struct {
	Running       bool             `json:"running"`
	Address       string           `json:"address"`
	Deposit       string           `json:"deposit"`
	Relay         bool             `json:"relay"`
	Chain         chain.Snapshot   `json:"chain"`
	Submissions   submission.Stats `json:"submissions"`
	Hashrate      float64          `json:"hashrate"`
	Devices       int              `json:"devices"`
	Failed        int              `json:"failed_devices"`
	NodeFailures  uint64           `json:"node_failures"`
	DroppedEvents uint64           `json:"dropped_events"`
	StartedAt     time.Time        `json:"started_at,omitempty"`
	Uptime        string           `json:"uptime,omitempty"`
}

// DeviceStatus is one device's statistics with its latest hashrate sample.
type DeviceStatus struct {
	work.DeviceStats
	Hashrate float64 `json:"hashrate"`
}

// Status returns the current summary.
func (c *Controller) Status() Status {
	c.mu.Lock()
	running, startedAt := c.running, c.startedAt
	c.mu.Unlock()

	st := Status{
		Running:       running,
		Address:       c.coord.Address(),
		Deposit:       c.deposit,
		Relay:         c.relay != nil,
		Chain:         c.chain.Current(),
		Submissions:   c.subs.Stats(),
		Devices:       len(c.coord.Stats()),
		Failed:        len(c.coord.Failed()),
		NodeFailures:  c.chain.Failures(),
		DroppedEvents: c.bus.Dropped(),
	}

	c.rateMu.RLock()
	for _, r := range c.rates {
		st.Hashrate += r
	}
	c.rateMu.RUnlock()

	if running {
		st.StartedAt = startedAt
		st.Uptime = time.Since(startedAt).Truncate(time.Second).String()
	}
	return st
}

// Devices returns per-device statistics ordered by device id.
func (c *Controller) Devices() []DeviceStatus {
	stats := c.coord.Stats()

	c.rateMu.RLock()
	defer c.rateMu.RUnlock()

	out := make([]DeviceStatus, 0, len(stats))
	for _, s := range stats {
		out = append(out, DeviceStatus{DeviceStats: s, Hashrate: c.rates[s.Device.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out
}

// RecentEvents returns up to n of the latest events, oldest first.
func (c *Controller) RecentEvents(n int) []events.Event {
	return c.bus.Recent(n)
}

// Events subscribes to the live event feed.
func (c *Controller) Events(buffer int) (<-chan events.Event, func()) {
	return c.bus.Subscribe(buffer)
}
