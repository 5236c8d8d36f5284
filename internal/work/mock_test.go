package work

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/kristminer/internal/device"
	"github.com/bardlex/kristminer/pkg/errors"
)

// ruleDevice accepts any nonce for which rule returns true, without hashing.
type ruleDevice struct {
	desc device.Descriptor
	rule func(n uint64) bool

	mu   sync.Mutex
	jobs []device.Job
}

func newRuleDevice(id int, workSize uint64, rule func(uint64) bool) *ruleDevice {
	return &ruleDevice{
		desc: device.Descriptor{ID: id, Name: "rule", Signature: "rule", ComputeUnits: 1, AssignedWorkSize: workSize},
		rule: rule,
	}
}

func (d *ruleDevice) Descriptor() device.Descriptor { return d.desc }

func (d *ruleDevice) Scan(ctx context.Context, job device.Job) (device.ScanResult, error) {
	d.mu.Lock()
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()

	var res device.ScanResult
	for n := job.From; n < job.To; n++ {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Hashes++
		if d.rule(n) {
			res.Found, res.Nonce = true, n
			return res, nil
		}
	}
	return res, nil
}

func (d *ruleDevice) Jobs() []device.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.Job(nil), d.jobs...)
}

// blockingDevice scans forever until its context is cancelled.
type blockingDevice struct {
	desc device.Descriptor

	active    atomic.Int32
	cancelled atomic.Int32

	mu     sync.Mutex
	blocks []string
}

func newBlockingDevice(id int, workSize uint64) *blockingDevice {
	return &blockingDevice{
		desc: device.Descriptor{ID: id, Name: "blocking", Signature: "blocking", ComputeUnits: 1, AssignedWorkSize: workSize},
	}
}

func (d *blockingDevice) Descriptor() device.Descriptor { return d.desc }

func (d *blockingDevice) Scan(ctx context.Context, job device.Job) (device.ScanResult, error) {
	d.mu.Lock()
	d.blocks = append(d.blocks, job.Block)
	d.mu.Unlock()

	d.active.Add(1)
	defer d.active.Add(-1)

	<-ctx.Done()
	d.cancelled.Add(1)
	return device.ScanResult{Hashes: 1}, ctx.Err()
}

func (d *blockingDevice) LastBlock() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.blocks) == 0 {
		return ""
	}
	return d.blocks[len(d.blocks)-1]
}

// failingDevice reports a device error on every scan.
type failingDevice struct {
	desc device.Descriptor
}

func newFailingDevice(id int) *failingDevice {
	return &failingDevice{desc: device.Descriptor{ID: id, Name: "broken", Signature: "broken", ComputeUnits: 1, AssignedWorkSize: 10}}
}

func (d *failingDevice) Descriptor() device.Descriptor { return d.desc }

func (d *failingDevice) Scan(context.Context, device.Job) (device.ScanResult, error) {
	return device.ScanResult{}, errors.New(errors.ErrorTypeDevice, "scan", "device lost")
}

// eventually polls cond until it holds or timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
