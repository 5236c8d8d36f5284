package device

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/kristminer/internal/pow"
)

// cancelCheckInterval is how many hashes a core computes between checks for
// cancellation or a lower hit on a sibling core. Power of two for a cheap mask.
const cancelCheckInterval = 1 << 12

// CPU is a compute device backed by the host processor. One Scan fans the
// dispatched range out over ComputeUnits goroutines.
type CPU struct {
	desc Descriptor
}

// NewCPU creates a CPU device.
func NewCPU(desc Descriptor) *CPU {
	if desc.ComputeUnits <= 0 {
		desc.ComputeUnits = 1
	}
	if desc.AssignedWorkSize == 0 {
		desc.AssignedWorkSize = DefaultWorkSize
	}
	return &CPU{desc: desc}
}

// Descriptor returns the device descriptor.
func (c *CPU) Descriptor() Descriptor {
	return c.desc
}

// Scan searches [job.From, job.To) and returns the lowest hit in the range.
// Every nonce below the returned one has been hashed, so the caller can
// resume at Nonce+1 without leaving a gap.
func (c *CPU) Scan(ctx context.Context, job Job) (ScanResult, error) {
	size := job.Size()
	if size == 0 {
		return ScanResult{}, ctx.Err()
	}

	units := uint64(c.desc.ComputeUnits)
	if units > size {
		units = size
	}
	chunk := size / units

	var (
		hashes atomic.Uint64
		best   atomic.Uint64
	)
	best.Store(noHit)

	var g errgroup.Group
	for i := range units {
		from := job.From + i*chunk
		to := from + chunk
		if i == units-1 {
			to = job.To
		}

		g.Go(func() error {
			hashes.Add(scanRange(ctx, &best, job.Address, job.Block, job.Target, from, to))
			return nil
		})
	}
	_ = g.Wait()

	result := ScanResult{Hashes: hashes.Load()}
	if n := best.Load(); n != noHit {
		result.Found = true
		result.Nonce = n
		return result, nil
	}
	return result, ctx.Err()
}

// noHit marks an empty best slot. Scanned nonces are always below job.To, so
// it never equals a real hit.
const noHit = ^uint64(0)

// scanRange hashes one core's share of a dispatch and lowers best on a hit.
// It stops at its own first hit, on cancellation, or once it has moved past
// a hit recorded by a sibling. It returns the number of hashes computed.
func scanRange(ctx context.Context, best *atomic.Uint64, address, block string, target, from, to uint64) uint64 {
	buf := pow.AppendPreimage(make([]byte, 0, len(address)+len(block)+pow.MaxNonceLength), address, block, "")
	prefix := len(buf)
	done := ctx.Done()

	var count uint64
	for n := from; n < to; n++ {
		if count&(cancelCheckInterval-1) == 0 && count > 0 {
			if n > best.Load() {
				return count
			}
			select {
			case <-done:
				return count
			default:
			}
		}

		buf = pow.AppendNonce(buf[:prefix], n)
		count++
		if pow.Meets(pow.Score(pow.Digest(buf)), target) {
			for {
				cur := best.Load()
				if n >= cur || best.CompareAndSwap(cur, n) {
					break
				}
			}
			return count
		}
	}
	return count
}

// EnumerateCPU lists one CPU device per physical package, with work sizes
// resolved from overrides.
func EnumerateCPU(ctx context.Context, overrides map[string]uint64) []Device {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil || len(infos) == 0 {
		units, countErr := cpu.CountsWithContext(ctx, true)
		if countErr != nil || units <= 0 {
			units = runtime.NumCPU()
		}
		return []Device{newCPUDevice(0, "cpu", "", units, 0, overrides)}
	}

	type pkg struct {
		vendor, model string
		mhz           float64
		units         int
	}
	packages := make(map[string]*pkg)
	for _, info := range infos {
		p, ok := packages[info.PhysicalID]
		if !ok {
			p = &pkg{vendor: info.VendorID, model: info.ModelName, mhz: info.Mhz}
			packages[info.PhysicalID] = p
		}
		cores := int(info.Cores)
		if cores <= 0 {
			cores = 1
		}
		p.units += cores
	}

	ids := make([]string, 0, len(packages))
	for id := range packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	devices := make([]Device, 0, len(ids))
	for i, id := range ids {
		p := packages[id]
		name := strings.TrimSpace(p.model)
		if name == "" {
			name = fmt.Sprintf("cpu%d", i)
		}
		devices = append(devices, newCPUDevice(i, name, p.vendor, p.units, p.mhz, overrides))
	}
	return devices
}

func newCPUDevice(id int, model, vendor string, units int, mhz float64, overrides map[string]uint64) *CPU {
	sig := Signature(vendor, model, units, mhz)
	return NewCPU(Descriptor{
		ID:               id,
		Name:             model,
		Signature:        sig,
		ComputeUnits:     units,
		AssignedWorkSize: ResolveWorkSize(sig, overrides),
	})
}
