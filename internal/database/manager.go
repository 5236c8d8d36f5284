// Package database coordinates the miner's optional storage backends and
// exposes them to the event bus as a single sink.
package database

import (
	"context"
	"time"

	"github.com/bardlex/kristminer/internal/database/influx"
	"github.com/bardlex/kristminer/internal/database/postgres"
	"github.com/bardlex/kristminer/internal/database/redis"
	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/internal/relay"
	"github.com/bardlex/kristminer/pkg/circuit"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
	"github.com/bardlex/kristminer/pkg/retry"
)

// hashrateWindow bounds the Redis hashrate samples per device.
const hashrateWindow = 10 * time.Minute

// History persists block changes, submissions and payouts.
type History interface {
	CreateBlock(ctx context.Context, block *postgres.BlockRecord) error
	CreateSubmission(ctx context.Context, sub *postgres.Submission) error
	CreatePayout(ctx context.Context, payout *postgres.Payout) error
}

// Metrics receives time series points. Writes are buffered by the backend.
type Metrics interface {
	WriteHashrateMetric(deviceID int, hashrate float64, at time.Time)
	WriteSubmissionMetric(block, result string, deviceID int, at time.Time)
	WriteBlockMetric(block string, target, version uint64, at time.Time)
	WritePayoutMetric(to string, amount int64, at time.Time)
	Flush()
}

// Cache keeps short-lived counters and hashrate windows.
type Cache interface {
	SetHashrate(ctx context.Context, deviceID int, hashrate float64, window time.Duration) error
	IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error)
}

// Manager fans events out to whichever backends are configured
type Manager struct {
	miner  string
	logger *log.Logger

	history History
	metrics Metrics
	cache   Cache

	historyReader HistoryReader
	metricsReader MetricsReader
	cacheReader   CacheReader

	postgres *postgres.Client
	redis    *redis.Client
	influx   *influx.Client

	relayStore      relay.Store
	persistRelayKey bool

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds the backend addresses. An empty address disables that backend.
type Config struct {
	// Miner identifies this miner's rows, usually the deposit address.
	Miner string

	PostgresURL string
	RedisURL    string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// PersistRelayKey writes the temporary private key into the Redis relay
	// state in plaintext. Without it only the address and round are stored.
	PersistRelayKey bool
}

var _ events.Sink = (*Manager)(nil)

// NewManager connects to every configured backend
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(cfg.Miner, logger)
	m.persistRelayKey = cfg.PersistRelayKey

	if cfg.PostgresURL != "" {
		pg, err := postgres.NewClient(postgres.DefaultConfig(cfg.PostgresURL))
		if err != nil {
			return nil, err
		}
		m.postgres = pg
		history := NewPostgresHistory(pg)
		m.history, m.historyReader = history, history
		m.logger.Info("connected to PostgreSQL")
	}

	if cfg.RedisURL != "" {
		rc, err := redis.NewClient(&redis.Config{URL: cfg.RedisURL, Namespace: cfg.Miner})
		if err != nil {
			m.Close()
			return nil, err
		}
		m.redis = rc
		m.cache, m.cacheReader = rc, rc
		m.relayStore = rc
		m.logger.Info("connected to Redis")
	}

	if cfg.InfluxURL != "" {
		ic, err := influx.NewClient(&influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Miner:  cfg.Miner,
		})
		if err != nil {
			m.Close()
			return nil, err
		}
		m.influx = ic
		m.metrics, m.metricsReader = ic, ic
		m.logger.Info("connected to InfluxDB")
	}

	return m, nil
}

func newManager(miner string, logger *log.Logger) *Manager {
	cbConfig := &circuit.Config{
		Name:            "database",
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Manager{
		miner:          miner,
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.StorageConfig(),
	}
}

// Enabled reports whether any backend is configured
func (m *Manager) Enabled() bool {
	return m.history != nil || m.metrics != nil || m.cache != nil
}

// RelayStore returns the Redis relay store, or nil without Redis. Unless
// PersistRelayKey is set the temporary key is stripped before every save.
func (m *Manager) RelayStore() relay.Store {
	if m.relayStore == nil {
		return nil
	}
	if m.persistRelayKey {
		return m.relayStore
	}
	return keylessStore{m.relayStore}
}

// keylessStore persists relay state without the temporary private key.
type keylessStore struct {
	relay.Store
}

func (s keylessStore) Save(ctx context.Context, state relay.State) error {
	state.TemporaryKey = ""
	return s.Store.Save(ctx, state)
}

// Name implements events.Sink
func (m *Manager) Name() string { return "database" }

// Publish routes an event to the backends that record it
func (m *Manager) Publish(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.BlockChanged:
		if m.metrics != nil {
			m.metrics.WriteBlockMetric(e.Block, e.Target, e.Version, e.Time)
		}
		if m.history != nil {
			return m.withHistory(ctx, "record_block", func() error {
				return m.history.CreateBlock(ctx, &postgres.BlockRecord{
					Miner:      m.miner,
					Block:      e.Block,
					Target:     e.Target,
					Version:    e.Version,
					ObservedAt: e.Time,
				})
			})
		}

	case events.SubmissionResult:
		if m.metrics != nil {
			m.metrics.WriteSubmissionMetric(e.Block, e.Result, e.DeviceID, e.Time)
		}
		if m.cache != nil {
			if _, err := m.cache.IncrementCounter(ctx, "submissions:"+e.Result, 24*time.Hour); err != nil {
				m.logger.WithError(err).Debug("failed to count submission")
			}
		}
		if m.history != nil {
			return m.withHistory(ctx, "record_submission", func() error {
				return m.history.CreateSubmission(ctx, &postgres.Submission{
					Miner:       m.miner,
					Address:     e.Address,
					Block:       e.Block,
					Nonce:       e.Nonce,
					DeviceID:    e.DeviceID,
					Version:     e.Version,
					Result:      e.Result,
					Message:     e.Message,
					SubmittedAt: e.Time,
				})
			})
		}

	case events.RelayTransfer:
		if m.metrics != nil {
			m.metrics.WritePayoutMetric(e.Address, e.Amount, e.Time)
		}
		if m.history != nil {
			return m.withHistory(ctx, "record_payout", func() error {
				return m.history.CreatePayout(ctx, &postgres.Payout{
					Miner:     m.miner,
					From:      e.From,
					To:        e.Address,
					Amount:    e.Amount,
					CreatedAt: e.Time,
				})
			})
		}

	case events.Hashrate:
		if m.metrics != nil {
			m.metrics.WriteHashrateMetric(e.DeviceID, e.Hashrate, e.Time)
		}
		if m.cache != nil {
			if err := m.cache.SetHashrate(ctx, e.DeviceID, e.Hashrate, hashrateWindow); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) withHistory(ctx context.Context, op string, fn func() error) error {
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
	if err != nil && !errors.IsType(err, errors.ErrorTypeStorage) {
		return errors.Wrap(err, errors.ErrorTypeStorage, op, "history write failed")
	}
	return err
}

// Health checks every configured backend
func (m *Manager) Health(ctx context.Context) map[string]error {
	health := make(map[string]error)
	if m.postgres != nil {
		health["postgres"] = m.postgres.Health(ctx)
	}
	if m.redis != nil {
		health["redis"] = m.redis.Health(ctx)
	}
	if m.influx != nil {
		health["influx"] = m.influx.Health(ctx)
	}
	return health
}

// Close flushes metrics and closes every backend
func (m *Manager) Close() {
	if m.metrics != nil {
		m.metrics.Flush()
	}
	if m.influx != nil {
		m.influx.Close()
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close Redis")
		}
	}
	if m.postgres != nil {
		if err := m.postgres.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close PostgreSQL")
		}
	}
}

// PostgresHistory adapts the PostgreSQL repositories to History
type PostgresHistory struct {
	*postgres.BlockRepository
	*postgres.SubmissionRepository
	*postgres.PayoutRepository
}

// NewPostgresHistory builds the repositories over one client
func NewPostgresHistory(c *postgres.Client) *PostgresHistory {
	db := c.DB()
	return &PostgresHistory{
		BlockRepository:      postgres.NewBlockRepository(db),
		SubmissionRepository: postgres.NewSubmissionRepository(db),
		PayoutRepository:     postgres.NewPayoutRepository(db),
	}
}
