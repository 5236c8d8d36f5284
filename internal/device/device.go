// Package device describes the compute devices the miner drives.
//
// Device enumeration produces Descriptors once at startup. The coordinator
// never looks past a Descriptor's Signature and AssignedWorkSize; everything
// else about a device stays behind the Device interface.
package device

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/bardlex/kristminer/pkg/errors"
)

// DefaultWorkSize is the number of nonces dispatched per Scan call when no
// override matches a device's signature.
const DefaultWorkSize = 1 << 20

// Descriptor identifies one compute device. Immutable after enumeration.
type Descriptor struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Signature        string `json:"signature"`
	ComputeUnits     int    `json:"compute_units"`
	AssignedWorkSize uint64 `json:"assigned_work_size"`
}

// Job is one dispatch: scan nonces in [From, To) for a digest of
// Address||Block||nonce scoring at or below Target.
type Job struct {
	Address string
	Block   string
	Target  uint64
	From    uint64
	To      uint64
}

// Size returns the number of nonces in the job.
func (j Job) Size() uint64 {
	if j.To <= j.From {
		return 0
	}
	return j.To - j.From
}

// ScanResult reports the outcome of one dispatch.
type ScanResult struct {
	Nonce  uint64
	Found  bool
	Hashes uint64
}

// Device is a compute device able to scan a nonce range.
//
// Scan must return promptly once ctx is done, reporting ctx.Err(). Any other
// error is a device failure: the device is excluded for the rest of the run.
type Device interface {
	Descriptor() Descriptor
	Scan(ctx context.Context, job Job) (ScanResult, error)
}

// Signature fingerprints device capability metadata. Equal hardware yields
// equal signatures across runs, which is what work-size overrides key on.
func Signature(vendor, model string, units int, mhz float64) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d|%.0f", strings.TrimSpace(vendor), strings.TrimSpace(model), units, mhz)
	return fmt.Sprintf("%08x", h.Sum32())
}

// ResolveWorkSize looks up a configured work size, falling back to DefaultWorkSize.
func ResolveWorkSize(signature string, overrides map[string]uint64) uint64 {
	if size, ok := overrides[signature]; ok && size > 0 {
		return size
	}
	return DefaultWorkSize
}

// SelectionMode says which enumerated devices to mine with.
type SelectionMode string

const (
	SelectBest SelectionMode = "best"
	SelectAll  SelectionMode = "all"
	SelectIDs  SelectionMode = "ids"
)

// Selection is a parsed device selection.
type Selection struct {
	Mode SelectionMode
	IDs  []int
}

// ParseSelection parses "best", "all" or a comma separated id list.
func ParseSelection(value string) (Selection, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	switch value {
	case "", string(SelectBest):
		return Selection{Mode: SelectBest}, nil
	case string(SelectAll):
		return Selection{Mode: SelectAll}, nil
	}

	var ids []int
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return Selection{}, errors.New(errors.ErrorTypeConfiguration, "device_selection",
				fmt.Sprintf("invalid device id %q", part))
		}
		ids = append(ids, id)
	}
	return Selection{Mode: SelectIDs, IDs: ids}, nil
}

// Select applies a selection to enumerated devices. "best" picks the device
// with the most compute units, lowest id on ties.
func Select(devices []Device, sel Selection) ([]Device, error) {
	if len(devices) == 0 {
		return nil, errors.New(errors.ErrorTypeDevice, "device_selection", "no compatible devices found")
	}

	switch sel.Mode {
	case SelectAll:
		return devices, nil
	case SelectIDs:
		byID := make(map[int]Device, len(devices))
		for _, d := range devices {
			byID[d.Descriptor().ID] = d
		}
		selected := make([]Device, 0, len(sel.IDs))
		seen := make(map[int]bool, len(sel.IDs))
		for _, id := range sel.IDs {
			d, ok := byID[id]
			if !ok {
				return nil, errors.New(errors.ErrorTypeConfiguration, "device_selection",
					fmt.Sprintf("no device with id %d", id))
			}
			if !seen[id] {
				seen[id] = true
				selected = append(selected, d)
			}
		}
		return selected, nil
	default:
		best := devices[0]
		for _, d := range devices[1:] {
			if d.Descriptor().ComputeUnits > best.Descriptor().ComputeUnits {
				best = d
			}
		}
		return []Device{best}, nil
	}
}

// Descriptors returns the descriptors of devices, sorted by id.
func Descriptors(devices []Device) []Descriptor {
	out := make([]Descriptor, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WriteTable prints devices in the "Name | Signature | ID" layout.
func WriteTable(w io.Writer, devices []Descriptor) error {
	if _, err := fmt.Fprintf(w, "%20s | %11s | %4s\n", "Name", "Signature", "ID"); err != nil {
		return err
	}
	for _, d := range devices {
		name := d.Name
		if len(name) > 20 {
			name = name[:20]
		}
		if _, err := fmt.Fprintf(w, "%20s | %11s | %4d\n", name, d.Signature, d.ID); err != nil {
			return err
		}
	}
	return nil
}
