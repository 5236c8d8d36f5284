package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/bardlex/kristminer/internal/chain"
	"github.com/bardlex/kristminer/internal/database"
	"github.com/bardlex/kristminer/internal/database/postgres"
	"github.com/bardlex/kristminer/internal/device"
	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/internal/miner"
	"github.com/bardlex/kristminer/internal/submission"
	"github.com/bardlex/kristminer/internal/work"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

type mockProvider struct {
	status  miner.Status
	devices []miner.DeviceStatus
	events  []events.Event
	limits  []int
}

func (m *mockProvider) Status() miner.Status { return m.status }
func (m *mockProvider) Devices() []miner.DeviceStatus { return m.devices }
func (m *mockProvider) RecentEvents(n int) []events.Event {
	m.limits = append(m.limits, n)
	if n < len(m.events) {
		return m.events[len(m.events)-n:]
	}
	return m.events
}

type mockStorage struct {
	health  map[string]error
	summary *database.Summary
	rate    *database.DeviceHashrate
	err     error
	limit   int
	window  time.Duration
}

func (m *mockStorage) Health(context.Context) map[string]error { return m.health }

func (m *mockStorage) Summary(_ context.Context, limit int) (*database.Summary, error) {
	m.limit = limit
	return m.summary, m.err
}

func (m *mockStorage) DeviceHashrate(_ context.Context, deviceID int, window time.Duration) (*database.DeviceHashrate, error) {
	m.window = window
	if m.err != nil {
		return nil, m.err
	}
	rate := *m.rate
	rate.DeviceID = deviceID
	return &rate, nil
}

func newProvider() *mockProvider {
	return &mockProvider{
		status: miner.Status{
			Running:     true,
			Address:     "k5ztameslf",
			Deposit:     "k5ztameslf",
			Chain:       chain.Snapshot{BlockID: "000000abcdef", Target: 1000, Version: 3},
			Submissions: submission.Stats{Submitted: 2, Accepted: 1, Stale: 1},
			Hashrate:    1.5e6,
			Devices:     1,
		},
		devices: []miner.DeviceStatus{{
			DeviceStats: work.DeviceStats{
				Device:  device.Descriptor{ID: 0, Name: "cpu", Signature: "cpu-8", ComputeUnits: 8, AssignedWorkSize: 1 << 20},
				Hashes:  12345,
				Range:   work.NonceRange{Start: 0, End: 1 << 20},
				Running: true,
			},
			Hashrate: 1.5e6,
		}},
		events: []events.Event{
			{Type: events.BlockChanged, Block: "000000abcdef", Version: 3},
			{Type: events.SolutionFound, Block: "000000abcdef", Nonce: "42"},
			{Type: events.SubmissionResult, Block: "000000abcdef", Nonce: "42", Result: "accepted"},
		},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Status(t *testing.T) {
	s := NewServer(":0", newProvider(), nil, log.Discard())

	rec := get(t, s.Handler(), "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var got miner.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Chain.BlockID != "000000abcdef" || got.Chain.Version != 3 {
		t.Errorf("chain = %+v", got.Chain)
	}
	if got.Submissions.Accepted != 1 || got.Submissions.Stale != 1 {
		t.Errorf("submissions = %+v", got.Submissions)
	}
}

func TestServer_Devices(t *testing.T) {
	s := NewServer(":0", newProvider(), nil, log.Discard())

	rec := get(t, s.Handler(), "/api/v1/devices")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var body struct {
		Devices []miner.DeviceStatus `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Devices) != 1 || body.Devices[0].Device.Signature != "cpu-8" || body.Devices[0].Hashes != 12345 {
		t.Errorf("devices = %+v", body.Devices)
	}
}

func TestServer_Events(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
		wantLimit int
	}{
		{name: "default limit", query: "", wantCode: http.StatusOK, wantCount: 3, wantLimit: defaultEventLimit},
		{name: "explicit limit", query: "?limit=2", wantCode: http.StatusOK, wantCount: 2, wantLimit: 2},
		{name: "clamped limit", query: "?limit=100000", wantCode: http.StatusOK, wantCount: 3, wantLimit: maxEventLimit},
		{name: "type filter", query: "?type=submission_result", wantCode: http.StatusOK, wantCount: 1, wantLimit: defaultEventLimit},
		{name: "bad limit", query: "?limit=abc", wantCode: http.StatusBadRequest},
		{name: "zero limit", query: "?limit=0", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider()
			s := NewServer(":0", p, nil, log.Discard())

			rec := get(t, s.Handler(), "/api/v1/events"+tt.query)
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var body struct {
				Events []events.Event `json:"events"`
				Count  int            `json:"count"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Count != tt.wantCount || len(body.Events) != tt.wantCount {
				t.Errorf("count = %d (%d events), want %d", body.Count, len(body.Events), tt.wantCount)
			}
			if len(p.limits) != 1 || p.limits[0] != tt.wantLimit {
				t.Errorf("RecentEvents called with %v, want %d", p.limits, tt.wantLimit)
			}
		})
	}
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name       string
		running    bool
		health     map[string]error
		wantCode   int
		wantStatus string
	}{
		{name: "healthy", running: true, wantCode: http.StatusOK, wantStatus: "healthy"},
		{
			name:       "backends ok",
			running:    true,
			health:     map[string]error{"redis": nil, "influx": nil},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "backend down",
			running:    true,
			health:     map[string]error{"redis": errors.New(errors.ErrorTypeStorage, "ping", "connection refused")},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{name: "stopped", running: false, wantCode: http.StatusServiceUnavailable, wantStatus: "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider()
			p.status.Running = tt.running
			var storage Storage
			if tt.health != nil {
				storage = &mockStorage{health: tt.health}
			}
			s := NewServer(":0", p, storage, log.Discard())

			rec := get(t, s.Handler(), "/api/v1/health")
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if len(body.Backends) != len(tt.health) {
				t.Errorf("backends = %v", body.Backends)
			}
		})
	}
}

func TestServer_History(t *testing.T) {
	tests := []struct {
		name     string
		storage  *mockStorage
		query    string
		wantCode int
	}{
		{
			name: "summary",
			storage: &mockStorage{summary: &database.Summary{
				Miner:       "k5ztameslf",
				LatestBlock: &postgres.BlockRecord{Block: "000000abcdef"},
				Results:     map[string]int64{"accepted": 2},
				TotalPaid:   50,
			}},
			query:    "?limit=10",
			wantCode: http.StatusOK,
		},
		{name: "no storage", wantCode: http.StatusNotFound},
		{
			name:     "not configured",
			storage:  &mockStorage{err: errors.New(errors.ErrorTypeConfiguration, "history_summary", "no history backend configured")},
			wantCode: http.StatusNotFound,
		},
		{
			name:     "backend down",
			storage:  &mockStorage{err: errors.New(errors.ErrorTypeStorage, "history_summary", "connection refused")},
			wantCode: http.StatusServiceUnavailable,
		},
		{name: "bad limit", storage: &mockStorage{}, query: "?limit=-1", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var storage Storage
			if tt.storage != nil {
				storage = tt.storage
			}
			s := NewServer(":0", newProvider(), storage, log.Discard())

			rec := get(t, s.Handler(), "/api/v1/history"+tt.query)
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var got database.Summary
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.TotalPaid != 50 || got.Results["accepted"] != 2 || got.LatestBlock == nil || got.LatestBlock.Block != "000000abcdef" {
				t.Errorf("summary = %+v", got)
			}
			if tt.storage.limit != 10 {
				t.Errorf("Summary called with limit %d, want 10", tt.storage.limit)
			}
		})
	}
}

func TestServer_DeviceHashrate(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantCode   int
		wantWindow time.Duration
	}{
		{name: "default window", path: "/api/v1/devices/1/hashrate", wantCode: http.StatusOK},
		{name: "explicit window", path: "/api/v1/devices/1/hashrate?window=1h", wantCode: http.StatusOK, wantWindow: time.Hour},
		{name: "bad id", path: "/api/v1/devices/x/hashrate", wantCode: http.StatusBadRequest},
		{name: "bad window", path: "/api/v1/devices/1/hashrate?window=soon", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := &mockStorage{rate: &database.DeviceHashrate{Window: "10m0s", Average: 1.25e6}}
			s := NewServer(":0", newProvider(), storage, log.Discard())

			rec := get(t, s.Handler(), tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var got database.DeviceHashrate
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.DeviceID != 1 || got.Average != 1.25e6 {
				t.Errorf("hashrate = %+v", got)
			}
			if storage.window != tt.wantWindow {
				t.Errorf("window = %v, want %v", storage.window, tt.wantWindow)
			}
		})
	}
}

func TestServer_NotFound(t *testing.T) {
	s := NewServer(":0", newProvider(), nil, log.Discard())
	if rec := get(t, s.Handler(), "/api/v1/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", rec.Code)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", newProvider(), nil, log.Discard())

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after Shutdown()")
	}
}

func TestServer_StartBadAddress(t *testing.T) {
	s := NewServer("256.0.0.1:bad", newProvider(), nil, log.Discard())
	if err := s.Start(context.Background()); !errors.IsType(err, errors.ErrorTypeConfiguration) {
		t.Errorf("Start() error = %v, want configuration error", err)
	}
}
