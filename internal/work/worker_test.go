package work

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/kristminer/internal/chain"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

func TestWorker_EmitsTaggedSolution(t *testing.T) {
	dev := newRuleDevice(0, 10, func(n uint64) bool { return n == 42 })
	w := NewWorker(dev, log.Discard())
	defer w.Stop()

	w.Start(context.Background(), Assignment{
		Address:  "k5ztameslf",
		Snapshot: chain.Snapshot{BlockID: "b1", Target: 1, Version: 1},
		Range:    NonceRange{Start: 0, End: 100},
	})

	var report Report
	ok := eventually(t, time.Second, func() bool {
		r := w.Poll()
		report.Solutions = append(report.Solutions, r.Solutions...)
		report.Exhausted = r.Exhausted
		return r.Exhausted
	})
	if !ok {
		t.Fatal("worker did not exhaust its range")
	}

	if len(report.Solutions) != 1 {
		t.Fatalf("got %d solutions, want 1", len(report.Solutions))
	}
	sol := report.Solutions[0]
	if sol.Address != "k5ztameslf" || sol.Block != "b1" || sol.Nonce != "42" || sol.FoundAtVersion != 1 {
		t.Errorf("solution = %+v", sol)
	}
	if w.Hashes() != 100 {
		t.Errorf("Hashes() = %d, want 100", w.Hashes())
	}
}

func TestWorker_DispatchesInWorkSizeBatches(t *testing.T) {
	dev := newRuleDevice(0, 30, func(uint64) bool { return false })
	w := NewWorker(dev, log.Discard())
	defer w.Stop()

	w.Start(context.Background(), Assignment{
		Address:  "k5ztameslf",
		Snapshot: chain.Snapshot{BlockID: "b1", Version: 1},
		Range:    NonceRange{Start: 10, End: 100},
	})
	if !eventually(t, time.Second, func() bool { return w.Poll().Exhausted }) {
		t.Fatal("worker did not exhaust its range")
	}

	jobs := dev.Jobs()
	want := []NonceRange{{10, 40}, {40, 70}, {70, 100}}
	if len(jobs) != len(want) {
		t.Fatalf("dispatched %d jobs, want %d", len(jobs), len(want))
	}
	for i, j := range jobs {
		if j.From != want[i].Start || j.To != want[i].End || j.Block != "b1" {
			t.Errorf("job %d = %+v, want %s", i, j, want[i])
		}
	}
}

func TestWorker_StopDiscardsPending(t *testing.T) {
	dev := newRuleDevice(0, 10, func(n uint64) bool { return n == 5 })
	w := NewWorker(dev, log.Discard())

	w.Start(context.Background(), Assignment{
		Address:  "k5ztameslf",
		Snapshot: chain.Snapshot{BlockID: "b1", Version: 1},
		Range:    NonceRange{Start: 0, End: 10},
	})
	eventually(t, time.Second, func() bool { return !w.Running() })
	w.Stop()

	if r := w.Poll(); len(r.Solutions) != 0 {
		t.Errorf("Poll() after Stop() = %+v, want no solutions", r)
	}
}

func TestWorker_StopInterruptsScan(t *testing.T) {
	dev := newBlockingDevice(0, 1<<20)
	w := NewWorker(dev, log.Discard())

	w.Start(context.Background(), Assignment{
		Address:  "k5ztameslf",
		Snapshot: chain.Snapshot{BlockID: "b1", Version: 1},
		Range:    NonceRange{Start: 0, End: DefaultNonceSpace},
	})
	if !eventually(t, time.Second, func() bool { return dev.active.Load() == 1 }) {
		t.Fatal("device never started scanning")
	}

	start := time.Now()
	w.Stop()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Stop() took %v", elapsed)
	}
	if dev.active.Load() != 0 || dev.cancelled.Load() != 1 {
		t.Errorf("active = %d, cancelled = %d after Stop()", dev.active.Load(), dev.cancelled.Load())
	}
	if w.Running() {
		t.Error("Running() = true after Stop()")
	}
}

func TestWorker_DeviceFailureIsReported(t *testing.T) {
	w := NewWorker(newFailingDevice(3), log.Discard())
	defer w.Stop()

	w.Start(context.Background(), Assignment{
		Address:  "k5ztameslf",
		Snapshot: chain.Snapshot{BlockID: "b1", Version: 1},
		Range:    NonceRange{Start: 0, End: 100},
	})

	var report Report
	if !eventually(t, time.Second, func() bool { report = w.Poll(); return report.Err != nil }) {
		t.Fatal("device failure not reported")
	}
	if !errors.IsType(report.Err, errors.ErrorTypeDevice) {
		t.Errorf("Err = %v, want device error", report.Err)
	}
	if report.Exhausted {
		t.Error("a failed worker must not report exhaustion")
	}
}
