// Package relay mines to a temporary address and forwards the proceeds to the
// real deposit address after every accepted block.
package relay

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	fasthex "github.com/tmthrgd/go-hex"

	"github.com/bardlex/kristminer/internal/krist"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
	"github.com/bardlex/kristminer/pkg/retry"
)

// State is the temporary address currently mined to and the key that
// authorizes spending from it.
type State struct {
	TemporaryAddress string    `json:"temporary_address"`
	TemporaryKey     string    `json:"temporary_key"`
	Round            uint64    `json:"round"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists relay state across restarts so an interrupted round can be
// swept on the next start.
type Store interface {
	// Load returns nil, nil when nothing has been saved.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state State) error
}

// Node is the part of the node client the relayer needs.
type Node interface {
	AddressFor(ctx context.Context, privateKey string) (string, error)
	Balance(ctx context.Context, address string) (int64, error)
	Transfer(ctx context.Context, fromKey, to string, amount int64) (*krist.Transaction, error)
}

// Config holds relay settings
type Config struct {
	// Deposit is where proceeds are sent; an address or a name.
	Deposit string
	// PrivateKey authorizes transfers out of the first temporary address.
	PrivateKey string
	// Rotate generates a fresh temporary key after every payout instead of
	// reusing the configured one.
	Rotate bool
	// Retry applies to balance reads, transfers and address lookups.
	// Defaults to retry.TransferConfig.
	Retry *retry.Config
}

// Payout describes one forwarding transfer.
type Payout struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        int64  `json:"amount"`
	TransactionID int64  `json:"transaction_id"`
	NextAddress   string `json:"next_address"`
}

// Relayer owns the relay state. It is used from the control loop only.
type Relayer struct {
	node        Node
	store       Store
	cfg         Config
	logger      *log.Logger
	retryConfig *retry.Config

	mu    sync.RWMutex
	state State
}

// New creates a relayer. Relay without a private key is a configuration error.
func New(node Node, store Store, cfg Config, logger *log.Logger) (*Relayer, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New(errors.ErrorTypeConfiguration, "relay_creation",
			"relay mode requires a private key")
	}
	if cfg.Deposit == "" {
		return nil, errors.New(errors.ErrorTypeConfiguration, "relay_creation",
			"relay mode requires a deposit address")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	retryConfig := cfg.Retry
	if retryConfig == nil {
		retryConfig = retry.TransferConfig()
	}
	return &Relayer{
		node:        node,
		store:       store,
		cfg:         cfg,
		logger:      logger.WithComponent("relay"),
		retryConfig: retryConfig,
	}, nil
}

// Setup picks the temporary key for this run, derives its address and sweeps
// any balance left behind by an earlier run. It returns the address to mine to.
func (r *Relayer) Setup(ctx context.Context) (string, error) {
	key := r.cfg.PrivateKey
	var round uint64

	persisted, err := r.store.Load(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("relay state unavailable, starting from the configured key")
	}
	if persisted != nil {
		round = persisted.Round
		if r.cfg.Rotate && persisted.TemporaryKey != "" {
			key = persisted.TemporaryKey
		}
	}

	address, err := retry.DoWithResult(ctx, r.retryConfig, func() (string, error) {
		return r.node.AddressFor(ctx, key)
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeNetwork, "relay_setup", "failed to derive temporary address")
	}

	r.setState(State{TemporaryAddress: address, TemporaryKey: key, Round: round, UpdatedAt: time.Now()})

	if _, err := r.forward(ctx, address, key); err != nil {
		r.logger.WithError(err).Warn("could not sweep leftover balance", "address", address)
	}
	if err := r.store.Save(ctx, r.State()); err != nil {
		r.logger.WithError(err).Warn("failed to persist relay state")
	}

	r.logger.Info("relay ready",
		"temporary_address", address,
		"deposit", r.cfg.Deposit,
		"rotate", r.cfg.Rotate,
		"round", round,
	)
	return address, nil
}

// MiningAddress returns the temporary address currently mined to.
func (r *Relayer) MiningAddress() string {
	return r.State().TemporaryAddress
}

// State returns a copy of the relay state.
func (r *Relayer) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Payout forwards the temporary balance to the deposit address. With Rotate
// set it then switches to a freshly generated key and reports the new
// address in Payout.NextAddress.
func (r *Relayer) Payout(ctx context.Context) (Payout, error) {
	current := r.State()
	if current.TemporaryKey == "" {
		return Payout{}, errors.New(errors.ErrorTypeInternal, "relay_payout", "relay not set up")
	}

	payout, err := r.forward(ctx, current.TemporaryAddress, current.TemporaryKey)
	if err != nil {
		return payout, err
	}
	payout.NextAddress = current.TemporaryAddress

	if !r.cfg.Rotate {
		return payout, nil
	}

	next, err := r.rotate(ctx, current.Round+1)
	if err != nil {
		r.logger.WithError(err).Warn("key rotation failed, reusing temporary address",
			"address", current.TemporaryAddress)
		return payout, nil
	}
	payout.NextAddress = next.TemporaryAddress
	return payout, nil
}

func (r *Relayer) forward(ctx context.Context, from, key string) (Payout, error) {
	payout := Payout{From: from, To: r.cfg.Deposit}

	balance, err := retry.DoWithResult(ctx, r.retryConfig, func() (int64, error) {
		return r.node.Balance(ctx, from)
	})
	if err != nil {
		return payout, errors.Wrap(err, errors.ErrorTypeNetwork, "relay_payout", "failed to read temporary balance").
			WithContext("address", from)
	}
	if balance <= 0 {
		return payout, nil
	}

	tx, err := retry.DoWithResult(ctx, r.retryConfig, func() (*krist.Transaction, error) {
		return r.node.Transfer(ctx, key, r.cfg.Deposit, balance)
	})
	if err != nil {
		return payout, errors.Wrap(err, errors.ErrorTypeNetwork, "relay_payout", "transfer to deposit address failed").
			WithContext("from", from).
			WithContext("amount", balance)
	}

	payout.Amount = balance
	if tx != nil {
		payout.TransactionID = tx.ID
	}
	r.logger.LogRelayTransfer(from, r.cfg.Deposit, balance)
	return payout, nil
}

func (r *Relayer) rotate(ctx context.Context, round uint64) (State, error) {
	key, err := GenerateKey()
	if err != nil {
		return State{}, err
	}
	address, err := retry.DoWithResult(ctx, r.retryConfig, func() (string, error) {
		return r.node.AddressFor(ctx, key)
	})
	if err != nil {
		return State{}, errors.Wrap(err, errors.ErrorTypeNetwork, "relay_rotate", "failed to derive next temporary address")
	}

	next := State{TemporaryAddress: address, TemporaryKey: key, Round: round, UpdatedAt: time.Now()}
	// The key must be stored before anything is mined to its address.
	if err := r.store.Save(ctx, next); err != nil {
		return State{}, err
	}
	r.setState(next)

	r.logger.Info("rotated temporary address", "address", address, "round", round)
	return next, nil
}

func (r *Relayer) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// GenerateKey returns a random 64 character hex private key.
func GenerateKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "relay_generate_key", "failed to read random bytes")
	}
	return fasthex.EncodeToString(buf[:]), nil
}
