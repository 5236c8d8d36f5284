package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/kristminer/internal/config"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

func baseConfig() *config.Config {
	return &config.Config{
		ServiceName:   "kristminer",
		Version:       "test",
		NodeURL:       config.DefaultNodeURL,
		NodeTimeout:   10 * time.Second,
		Devices:       "best",
		RefreshRate:   2 * time.Second,
		NonceSpace:    1 << 48,
		HashrateEvery: 10 * time.Second,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *config.Config, opts *cliOptions)
	}{
		{
			name: "defaults keep environment values",
			args: nil,
			check: func(t *testing.T, cfg *config.Config, opts *cliOptions) {
				if cfg.Devices != "best" || cfg.RefreshRate != 2*time.Second || cfg.NodeURL != config.DefaultNodeURL {
					t.Errorf("config changed without flags: %+v", cfg)
				}
				if opts.listDevices {
					t.Error("listDevices should default to false")
				}
			},
		},
		{
			name: "mining flags",
			args: []string{"-host", "k5ztameslf", "-privatekey", "secret", "-relay", "-node", "http://localhost:8080"},
			check: func(t *testing.T, cfg *config.Config, _ *cliOptions) {
				if cfg.Host != "k5ztameslf" || cfg.PrivateKey != "secret" || !cfg.Relay || cfg.NodeURL != "http://localhost:8080" {
					t.Errorf("config = %+v", cfg)
				}
			},
		},
		{
			name: "refresh rate in milliseconds",
			args: []string{"-refresh-rate", "500"},
			check: func(t *testing.T, cfg *config.Config, _ *cliOptions) {
				if cfg.RefreshRate != 500*time.Millisecond {
					t.Errorf("RefreshRate = %v, want 500ms", cfg.RefreshRate)
				}
			},
		},
		{
			name: "all devices",
			args: []string{"-all-devices"},
			check: func(t *testing.T, cfg *config.Config, _ *cliOptions) {
				if cfg.Devices != "all" {
					t.Errorf("Devices = %q, want all", cfg.Devices)
				}
			},
		},
		{
			name: "device ids",
			args: []string{"-devices", "0,2", "-work-sizes", "cpu-8:1024"},
			check: func(t *testing.T, cfg *config.Config, _ *cliOptions) {
				if cfg.Devices != "0,2" || cfg.WorkSizes != "cpu-8:1024" {
					t.Errorf("Devices = %q, WorkSizes = %q", cfg.Devices, cfg.WorkSizes)
				}
			},
		},
		{
			name: "verbose and list devices",
			args: []string{"-verbose", "-list-devices"},
			check: func(t *testing.T, cfg *config.Config, opts *cliOptions) {
				if cfg.LogLevel != "debug" {
					t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
				}
				if !opts.listDevices {
					t.Error("listDevices should be set")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			opts, err := applyFlags(cfg, tt.args, io.Discard)
			if err != nil {
				t.Fatalf("applyFlags() error = %v", err)
			}
			tt.check(t, cfg, opts)
		})
	}
}

func TestApplyFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "conflicting selections", args: []string{"-all-devices", "-devices", "1"}},
		{name: "zero refresh rate", args: []string{"-refresh-rate", "0"}},
		{name: "stray argument", args: []string{"k5ztameslf"}},
		{name: "empty node", args: []string{"-node", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := applyFlags(baseConfig(), tt.args, io.Discard); !errors.IsType(err, errors.ErrorTypeConfiguration) {
				t.Errorf("applyFlags() error = %v, want configuration error", err)
			}
		})
	}
}

func TestApplyFlags_UnknownFlag(t *testing.T) {
	var out bytes.Buffer
	if _, err := applyFlags(baseConfig(), []string{"-bogus"}, &out); err == nil {
		t.Fatal("applyFlags() should reject unknown flags")
	}
	if !strings.Contains(out.String(), "-bogus") {
		t.Errorf("usage output = %q", out.String())
	}
}

func TestListDevices(t *testing.T) {
	var out bytes.Buffer
	if err := listDevices(context.Background(), baseConfig(), &out); err != nil {
		t.Fatalf("listDevices() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected a header and at least one device, got %q", out.String())
	}
	if !strings.Contains(lines[0], "Signature") {
		t.Errorf("header = %q", lines[0])
	}
}

func TestListDevices_BadWorkSizes(t *testing.T) {
	cfg := baseConfig()
	cfg.WorkSizes = "nonsense"
	if err := listDevices(context.Background(), cfg, io.Discard); !errors.IsType(err, errors.ErrorTypeConfiguration) {
		t.Errorf("listDevices() error = %v, want configuration error", err)
	}
}

func TestRun_InvalidDeposit(t *testing.T) {
	cfg := baseConfig()
	cfg.Host = "not an address"
	if err := run(context.Background(), cfg, log.Discard()); !errors.IsType(err, errors.ErrorTypeConfiguration) {
		t.Errorf("run() error = %v, want configuration error", err)
	}
}
