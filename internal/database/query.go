package database

import (
	"context"
	"time"

	"github.com/bardlex/kristminer/internal/database/influx"
	"github.com/bardlex/kristminer/internal/database/postgres"
	"github.com/bardlex/kristminer/internal/database/redis"
	"github.com/bardlex/kristminer/pkg/errors"
)

// summaryWindow is the period Summary counts submission outcomes over.
const summaryWindow = 24 * time.Hour

var submissionResults = []string{"accepted", "rejected", "stale", "network_error"}

// HistoryReader answers queries over recorded history.
type HistoryReader interface {
	LatestBlock(ctx context.Context, miner string) (*postgres.BlockRecord, error)
	RecentSubmissions(ctx context.Context, miner string, limit int) ([]*postgres.Submission, error)
	CountByResult(ctx context.Context, miner string, since time.Time) ([]postgres.ResultCount, error)
	TotalPaid(ctx context.Context, miner string) (int64, error)
}

// CacheReader reads counters and hashrate windows.
type CacheReader interface {
	GetCounter(ctx context.Context, name string) (int64, error)
	GetAverageHashrate(ctx context.Context, deviceID int, window time.Duration) (float64, error)
}

// MetricsReader queries time series.
type MetricsReader interface {
	GetHashrateHistory(ctx context.Context, deviceID int, duration time.Duration) ([]influx.HashrateSample, error)
}

var (
	_ HistoryReader = (*PostgresHistory)(nil)
	_ CacheReader   = (*redis.Client)(nil)
	_ MetricsReader = (*influx.Client)(nil)
)

// Summary is the recorded history of this miner.
type Summary struct {
	Miner             string                 `json:"miner"`
	LatestBlock       *postgres.BlockRecord  `json:"latest_block,omitempty"`
	RecentSubmissions []*postgres.Submission `json:"recent_submissions,omitempty"`
	Results           map[string]int64       `json:"results_24h,omitempty"`
	TotalPaid         int64                  `json:"total_paid"`
	Counters          map[string]int64       `json:"counters,omitempty"`
}

// DeviceHashrate is one device's hashrate as seen by the storage backends.
type DeviceHashrate struct {
	DeviceID int                     `json:"device_id"`
	Window   string                  `json:"window"`
	Average  float64                 `json:"average"`
	History  []influx.HashrateSample `json:"history,omitempty"`
}

// Summary reads history from PostgreSQL and counters from Redis. limit bounds
// the recent submissions returned.
func (m *Manager) Summary(ctx context.Context, limit int) (*Summary, error) {
	if m.historyReader == nil && m.cacheReader == nil {
		return nil, errors.New(errors.ErrorTypeConfiguration, "history_summary",
			"no history backend configured")
	}

	s := &Summary{Miner: m.miner}

	if m.historyReader != nil {
		err := m.withRead(ctx, "history_summary", func() error {
			latest, err := m.historyReader.LatestBlock(ctx, m.miner)
			if err != nil {
				return err
			}
			recent, err := m.historyReader.RecentSubmissions(ctx, m.miner, limit)
			if err != nil {
				return err
			}
			counts, err := m.historyReader.CountByResult(ctx, m.miner, time.Now().Add(-summaryWindow))
			if err != nil {
				return err
			}
			paid, err := m.historyReader.TotalPaid(ctx, m.miner)
			if err != nil {
				return err
			}

			s.LatestBlock, s.RecentSubmissions, s.TotalPaid = latest, recent, paid
			s.Results = make(map[string]int64, len(counts))
			for _, c := range counts {
				s.Results[c.Result] = c.Count
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if m.cacheReader != nil {
		s.Counters = make(map[string]int64, len(submissionResults))
		for _, result := range submissionResults {
			n, err := m.cacheReader.GetCounter(ctx, "submissions:"+result)
			if err != nil {
				m.logger.WithError(err).Debug("failed to read counter", "result", result)
				continue
			}
			s.Counters["submissions:"+result] = n
		}
	}

	return s, nil
}

// DeviceHashrate averages a device's Redis samples over window and, with
// InfluxDB configured, adds its per-minute history.
func (m *Manager) DeviceHashrate(ctx context.Context, deviceID int, window time.Duration) (*DeviceHashrate, error) {
	if m.cacheReader == nil && m.metricsReader == nil {
		return nil, errors.New(errors.ErrorTypeConfiguration, "device_hashrate",
			"no hashrate backend configured")
	}
	if window <= 0 {
		window = hashrateWindow
	}

	out := &DeviceHashrate{DeviceID: deviceID, Window: window.String()}

	if m.cacheReader != nil {
		avg, err := m.cacheReader.GetAverageHashrate(ctx, deviceID, window)
		if err != nil {
			return nil, err
		}
		out.Average = avg
	}

	if m.metricsReader != nil {
		history, err := m.metricsReader.GetHashrateHistory(ctx, deviceID, window)
		if err != nil {
			return nil, err
		}
		out.History = history
		if m.cacheReader == nil && len(history) > 0 {
			var total float64
			for _, s := range history {
				total += s.Hashrate
			}
			out.Average = total / float64(len(history))
		}
	}

	return out, nil
}

func (m *Manager) withRead(ctx context.Context, op string, fn func() error) error {
	err := m.circuitBreaker.Execute(ctx, fn)
	if err != nil && !errors.IsType(err, errors.ErrorTypeStorage) {
		return errors.Wrap(err, errors.ErrorTypeStorage, op, "history read failed")
	}
	return err
}
