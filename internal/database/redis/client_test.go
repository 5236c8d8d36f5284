package redis

import (
	"math"
	"testing"

	"github.com/bardlex/kristminer/pkg/errors"
)

func TestBuildKey(t *testing.T) {
	tests := []struct {
		namespace string
		parts     []string
		want      string
	}{
		{namespace: "", parts: []string{"relay"}, want: "kristminer:relay"},
		{namespace: "k5ztameslf", parts: []string{"relay"}, want: "kristminer:k5ztameslf:relay"},
		{namespace: "k5ztameslf", parts: []string{"hashrate", "0"}, want: "kristminer:k5ztameslf:hashrate:0"},
	}

	for _, tt := range tests {
		if got := buildKey(tt.namespace, tt.parts...); got != tt.want {
			t.Errorf("buildKey(%q, %v) = %q, want %q", tt.namespace, tt.parts, got, tt.want)
		}
	}
}

func TestAverageSamples(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   float64
	}{
		{name: "empty", values: nil, want: 0},
		{name: "single", values: []string{"1:100"}, want: 100},
		{name: "equal rates", values: []string{"1:100", "2:100"}, want: 100},
		{name: "mixed", values: []string{"1:100", "2:300"}, want: 200},
		{name: "skips malformed", values: []string{"garbage", "1:abc", "2:50"}, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageSamples(tt.values); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("averageSamples(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(&Config{URL: "http://not-redis"})
	if !errors.IsType(err, errors.ErrorTypeConfiguration) {
		t.Errorf("NewClient() error = %v, want configuration error", err)
	}
}
