// Package main implements the kristminer command: a Krist proof-of-work miner
// with optional relay payouts and event sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bardlex/kristminer/internal/api"
	"github.com/bardlex/kristminer/internal/chain"
	"github.com/bardlex/kristminer/internal/config"
	"github.com/bardlex/kristminer/internal/database"
	"github.com/bardlex/kristminer/internal/device"
	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/internal/krist"
	"github.com/bardlex/kristminer/internal/messaging"
	"github.com/bardlex/kristminer/internal/miner"
	"github.com/bardlex/kristminer/internal/relay"
	"github.com/bardlex/kristminer/internal/submission"
	"github.com/bardlex/kristminer/internal/work"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts, err := applyFlags(cfg, os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.listDevices {
		if err := listDevices(ctx, cfg, os.Stdout); err != nil {
			logger.WithError(err).Error("failed to list devices")
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("miner failed")
		os.Exit(1)
	}
	logger.Info("kristminer stopped")
}

type cliOptions struct {
	listDevices bool
}

// applyFlags overlays command line flags on the environment configuration.
func applyFlags(cfg *config.Config, args []string, output io.Writer) (*cliOptions, error) {
	fs := flag.NewFlagSet("kristminer", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		opts        cliOptions
		host        = fs.String("host", cfg.Host, "deposit address or name (alice@example.kst)")
		privateKey  = fs.String("privatekey", cfg.PrivateKey, "private key of the mining address, required for relay")
		relayMode   = fs.Bool("relay", cfg.Relay, "mine to a temporary address and forward rewards to the deposit")
		workSizes   = fs.String("work-sizes", cfg.WorkSizes, "per device work sizes, signature:size;signature:size")
		allDevices  = fs.Bool("all-devices", false, "mine with every compatible device")
		bestDevice  = fs.Bool("best-device", false, "mine with the best device only")
		deviceIDs   = fs.String("devices", "", "comma separated device ids to mine with")
		verbose     = fs.Bool("verbose", false, "enable debug logging")
		refreshRate = fs.Int64("refresh-rate", cfg.RefreshRate.Milliseconds(), "chain refresh interval in milliseconds")
		node        = fs.String("node", cfg.NodeURL, "Krist node URL")
	)
	fs.BoolVar(&opts.listDevices, "list-devices", false, "list compatible devices and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, flagError(fmt.Sprintf("unexpected arguments: %s", strings.Join(fs.Args(), " ")))
	}

	selections := 0
	for _, set := range []bool{*allDevices, *bestDevice, *deviceIDs != ""} {
		if set {
			selections++
		}
	}
	switch {
	case selections > 1:
		return nil, flagError("-all-devices, -best-device and -devices are mutually exclusive")
	case *allDevices:
		cfg.Devices = string(device.SelectAll)
	case *bestDevice:
		cfg.Devices = string(device.SelectBest)
	case *deviceIDs != "":
		cfg.Devices = *deviceIDs
	}

	if *refreshRate <= 0 {
		return nil, flagError("-refresh-rate must be positive")
	}

	cfg.Host = *host
	cfg.PrivateKey = *privateKey
	cfg.Relay = *relayMode
	cfg.WorkSizes = *workSizes
	cfg.RefreshRate = time.Duration(*refreshRate) * time.Millisecond
	cfg.NodeURL = *node
	if *verbose {
		cfg.LogLevel = "debug"
	}

	return &opts, cfg.Validate()
}

func flagError(message string) error {
	return errors.New(errors.ErrorTypeConfiguration, "flag_parse", message)
}

func listDevices(ctx context.Context, cfg *config.Config, w io.Writer) error {
	overrides, err := config.ParseWorkSizes(cfg.WorkSizes)
	if err != nil {
		return err
	}
	return device.WriteTable(w, device.Descriptors(device.EnumerateCPU(ctx, overrides)))
}

// run wires every component and mines until ctx is cancelled or every
// device has failed.
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	opts, err := cfg.MinerOptions()
	if err != nil {
		return err
	}

	devices, err := device.Select(device.EnumerateCPU(ctx, opts.WorkSizes), opts.Devices)
	if err != nil {
		return err
	}

	logger.Info("starting kristminer",
		"version", cfg.Version,
		"node", cfg.NodeURL,
		"deposit", opts.DepositAddress,
		"relay", opts.Relay,
		"devices", len(devices),
	)

	node, err := krist.NewHTTPClient(&krist.Config{
		URL:               cfg.NodeURL,
		Timeout:           cfg.NodeTimeout,
		RequestsPerSecond: cfg.NodeRPS,
		Burst:             cfg.NodeBurst,
	}, logger)
	if err != nil {
		return err
	}
	logger.Debug("node client ready", "url", node.BaseURL())

	bus := events.NewBus(nil, logger)

	// Create database manager
	dbManager, err := database.NewManager(&database.Config{
		Miner:        opts.DepositAddress,
		PostgresURL:  cfg.PostgresURL,
		RedisURL:     cfg.RedisURL,
		InfluxURL:    cfg.InfluxURL,
		InfluxToken:  cfg.InfluxToken,
		InfluxOrg:    cfg.InfluxOrg,
		InfluxBucket: cfg.InfluxBucket,

		PersistRelayKey: cfg.RelayPersistKey,
	}, logger)
	if err != nil {
		return err
	}
	defer dbManager.Close()
	if dbManager.Enabled() {
		bus.AddSink(dbManager)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Warn("failed to close Kafka client")
			}
		}()
		sink, err := messaging.NewKafkaSink(kafkaClient, cfg.KafkaTopic, cfg.KafkaEncoding)
		if err != nil {
			return err
		}
		bus.AddSink(sink)
	}

	if cfg.ZMQPubAddr != "" {
		publisher, err := messaging.NewZMQPublisher(cfg.ZMQPubAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.WithError(err).Warn("failed to close ZMQ publisher")
			}
		}()
		bus.AddSink(publisher)
	}

	var relayer miner.Relayer
	if opts.Relay {
		if cfg.RelayPersistKey && cfg.RedisURL != "" {
			logger.Warn("relay private key is stored in Redis as plaintext")
		}
		r, err := relay.New(node, dbManager.RelayStore(), relay.Config{
			Deposit:    opts.DepositAddress,
			PrivateKey: opts.PrivateKey,
			Rotate:     opts.RelayRotate,
		}, logger)
		if err != nil {
			return err
		}
		relayer = r
	}

	controller, err := miner.New(miner.Config{
		Chain:         chain.NewState(node, logger, cfg.NodeTimeout),
		Coordinator:   work.NewCoordinator(opts.DepositAddress, cfg.NonceSpace, logger),
		Submissions:   submission.NewManager(node, &submission.Config{Timeout: cfg.SubmitTimeout}, logger),
		Relay:         relayer,
		Bus:           bus,
		Devices:       devices,
		Deposit:       opts.DepositAddress,
		RefreshRate:   opts.RefreshRate,
		HashrateEvery: cfg.HashrateEvery,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.APIListenAddr != "" {
		server := api.NewServer(cfg.APIListenAddr, controller, dbManager, logger)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.WithError(err).Error("status API failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("status API shutdown failed")
			}
		}()
	}

	if err := controller.Start(ctx); err != nil {
		return err
	}

	// Wait for shutdown signal or a fatal mining error
	err = controller.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}

	st := controller.Status()
	logger.Info("mining summary",
		"submitted", st.Submissions.Submitted,
		"accepted", st.Submissions.Accepted,
		"rejected", st.Submissions.Rejected,
		"stale", st.Submissions.Stale,
		"network_errors", st.Submissions.NetworkErrors,
	)
	return err
}
