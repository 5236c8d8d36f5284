package work

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/kristminer/internal/chain"
	"github.com/bardlex/kristminer/internal/device"
	"github.com/bardlex/kristminer/internal/pow"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

// Assignment is what a worker scans: a snapshot, the address mined to and a
// nonce range.
type Assignment struct {
	Address  string
	Snapshot chain.Snapshot
	Range    NonceRange
}

// Report is the state drained by Poll.
type Report struct {
	Solutions []pow.Solution
	Exhausted bool
	Err       error
}

// Worker drives one device. It walks its assigned range in dispatches of the
// device's AssignedWorkSize, checking for cancellation between dispatches, and
// keeps scanning after a hit so a rejected or stale solution does not idle the
// device.
type Worker struct {
	device device.Device
	desc   device.Descriptor
	logger *log.Logger

	hashes atomic.Uint64

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	current   Assignment
	pending   []pow.Solution
	exhausted bool
	err       error
}

// NewWorker creates an idle worker for d.
func NewWorker(d device.Device, logger *log.Logger) *Worker {
	desc := d.Descriptor()
	return &Worker{
		device: d,
		desc:   desc,
		logger: logger.WithComponent("worker").WithDevice(desc.ID, desc.Signature),
	}
}

// Descriptor returns the device descriptor.
func (w *Worker) Descriptor() device.Descriptor {
	return w.desc
}

// Start begins scanning a. A running scan is stopped first and its pending
// solutions are discarded.
func (w *Worker) Start(parent context.Context, a Assignment) {
	w.Stop()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.current = a
	w.pending = nil
	w.exhausted = false
	w.err = nil
	w.mu.Unlock()

	go w.run(ctx, a, done)
}

// Stop cancels the running scan and waits for the device to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	if cancel != nil {
		cancel()
	}
	w.pending = nil
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Running reports whether a scan goroutine is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Poll drains solutions reported since the last call along with the
// exhaustion and failure flags.
func (w *Worker) Poll() Report {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := Report{Solutions: w.pending, Exhausted: w.exhausted, Err: w.err}
	w.pending = nil
	return r
}

// Assignment returns the current assignment.
func (w *Worker) Assignment() Assignment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Hashes returns the total number of hashes computed by this worker.
func (w *Worker) Hashes() uint64 {
	return w.hashes.Load()
}

func (w *Worker) run(ctx context.Context, a Assignment, done chan struct{}) {
	defer close(done)

	batch := w.desc.AssignedWorkSize
	if batch == 0 {
		batch = device.DefaultWorkSize
	}

	cursor := a.Range.Start
	for cursor < a.Range.End {
		if ctx.Err() != nil {
			return
		}

		end := a.Range.End
		if a.Range.End-cursor > batch {
			end = cursor + batch
		}

		res, err := w.device.Scan(ctx, device.Job{
			Address: a.Address,
			Block:   a.Snapshot.BlockID,
			Target:  a.Snapshot.Target,
			From:    cursor,
			To:      end,
		})
		w.hashes.Add(res.Hashes)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fail(err)
			return
		}

		if !res.Found {
			cursor = end
			continue
		}

		if res.Nonce < cursor || res.Nonce >= end {
			w.fail(errors.New(errors.ErrorTypeDevice, "device_scan", "device reported a nonce outside its dispatch").
				WithContext("nonce", res.Nonce).
				WithContext("range", NonceRange{Start: cursor, End: end}.String()))
			return
		}

		w.report(ctx, pow.Solution{
			Address:        a.Address,
			Block:          a.Snapshot.BlockID,
			Nonce:          pow.FormatNonce(res.Nonce),
			FoundAtVersion: a.Snapshot.Version,
			DeviceID:       w.desc.ID,
			FoundAt:        time.Now(),
		})
		cursor = res.Nonce + 1
	}

	w.mu.Lock()
	if ctx.Err() == nil {
		w.exhausted = true
	}
	w.mu.Unlock()
}

func (w *Worker) report(ctx context.Context, sol pow.Solution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Stop cancels under the lock, so a cancelled scan never refills pending.
	if ctx.Err() != nil {
		return
	}
	w.pending = append(w.pending, sol)
	w.logger.LogSolutionFound(w.desc.ID, sol.Block, sol.Nonce, sol.FoundAtVersion)
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !errors.IsType(err, errors.ErrorTypeDevice) {
		err = errors.Wrap(err, errors.ErrorTypeDevice, "device_scan", "device scan failed").
			WithContext("device_id", w.desc.ID)
	}
	w.err = err
	w.logger.WithError(err).Error("device failed")
}
