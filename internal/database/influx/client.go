// Package influx writes the miner's time series to InfluxDB: per-device
// hashrate, submission outcomes, block changes and relay payouts.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/kristminer/pkg/errors"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
	miner    string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Miner tags every point, usually the deposit address.
	Miner string
}

// NewClient creates a new InfluxDB client and checks server health
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		miner:    cfg.Miner,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "influx_health",
			"failed to check InfluxDB health")
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeStorage, "influx_health",
			"InfluxDB health check failed").WithContext("message", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Mining metrics

// WriteHashrateMetric writes a device hashrate sample
func (c *Client) WriteHashrateMetric(deviceID int, hashrate float64, at time.Time) {
	c.writeAPI.WritePoint(HashratePoint(c.miner, deviceID, hashrate, at))
}

// WriteSubmissionMetric writes one submission outcome
func (c *Client) WriteSubmissionMetric(block, result string, deviceID int, at time.Time) {
	c.writeAPI.WritePoint(SubmissionPoint(c.miner, block, result, deviceID, at))
}

// WriteBlockMetric writes a block change
func (c *Client) WriteBlockMetric(block string, target, version uint64, at time.Time) {
	c.writeAPI.WritePoint(BlockPoint(c.miner, block, target, version, at))
}

// WritePayoutMetric writes a relay payout
func (c *Client) WritePayoutMetric(to string, amount int64, at time.Time) {
	c.writeAPI.WritePoint(PayoutPoint(c.miner, to, amount, at))
}

// HashratePoint builds a "hashrate" point.
func HashratePoint(miner string, deviceID int, hashrate float64, at time.Time) *write.Point {
	tags := map[string]string{
		"miner":     miner,
		"device_id": strconv.Itoa(deviceID),
	}
	fields := map[string]interface{}{
		"hashrate": hashrate,
	}
	return write.NewPoint("hashrate", tags, fields, at)
}

// SubmissionPoint builds a "submissions" point.
func SubmissionPoint(miner, block, result string, deviceID int, at time.Time) *write.Point {
	tags := map[string]string{
		"miner":     miner,
		"result":    result,
		"device_id": strconv.Itoa(deviceID),
	}
	fields := map[string]interface{}{
		"block": block,
		"count": 1,
	}
	return write.NewPoint("submissions", tags, fields, at)
}

// BlockPoint builds a "blocks" point.
func BlockPoint(miner, block string, target, version uint64, at time.Time) *write.Point {
	tags := map[string]string{
		"miner": miner,
	}
	fields := map[string]interface{}{
		"block":   block,
		"target":  target,
		"version": version,
	}
	return write.NewPoint("blocks", tags, fields, at)
}

// PayoutPoint builds a "payouts" point.
func PayoutPoint(miner, to string, amount int64, at time.Time) *write.Point {
	tags := map[string]string{
		"miner":   miner,
		"deposit": to,
	}
	fields := map[string]interface{}{
		"amount": amount,
		"count":  1,
	}
	return write.NewPoint("payouts", tags, fields, at)
}

// Query methods

// GetHashrateHistory returns a device's mean hashrate per minute over duration
func (c *Client) GetHashrateHistory(ctx context.Context, deviceID int, duration time.Duration) ([]HashrateSample, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r.miner == "%s")
		|> filter(fn: (r) => r.device_id == "%d")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 1m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), c.miner, deviceID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_query",
			"failed to query hashrate history")
	}
	defer func() { _ = result.Close() }()

	var samples []HashrateSample
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			samples = append(samples, HashrateSample{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, errors.Wrap(result.Err(), errors.ErrorTypeStorage, "influx_query",
			"error reading query result")
	}

	return samples, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// HashrateSample is a hashrate measurement at a point in time
type HashrateSample struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}
