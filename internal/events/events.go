// Package events is the miner's status feed. Components publish events
// without blocking; a dispatcher goroutine forwards them to the configured
// sinks and subscribers read them from buffered channels.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/kristminer/pkg/log"
)

// Type names an event.
type Type string

const (
	BlockChanged     Type = "block_changed"
	SolutionFound    Type = "solution_found"
	SubmissionResult Type = "submission_result"
	RelayTransfer    Type = "relay_transfer"
	DeviceFailed     Type = "device_failed"
	Hashrate         Type = "hashrate"
)

// Event is one entry of the status feed. Fields that do not apply to the
// event type are left zero.
type Event struct {
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	DeviceID int       `json:"device_id,omitempty"`
	Block    string    `json:"block,omitempty"`
	Target   uint64    `json:"target,omitempty"`
	Version  uint64    `json:"version,omitempty"`
	Address  string    `json:"address,omitempty"`
	From     string    `json:"from,omitempty"`
	Nonce    string    `json:"nonce,omitempty"`
	Result   string    `json:"result,omitempty"`
	Hashrate float64   `json:"hashrate,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Sink receives every event from the dispatcher goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Config holds bus settings
type Config struct {
	QueueSize   int
	RecentSize  int
	SinkTimeout time.Duration
}

// DefaultConfig returns the default bus settings
func DefaultConfig() *Config {
	return &Config{
		QueueSize:   1024,
		RecentSize:  256,
		SinkTimeout: 5 * time.Second,
	}
}

// Bus fans events out. Publish never blocks: when the sink queue or a
// subscriber channel is full the event is dropped for that consumer.
type Bus struct {
	logger      *log.Logger
	queue       chan Event
	sinkTimeout time.Duration

	mu     sync.RWMutex
	sinks  []Sink
	subs   map[int]chan Event
	nextID int

	recentMu sync.Mutex
	recent   []Event
	head     int
	full     bool

	dropped atomic.Uint64
}

// NewBus creates a bus. Call Run to start delivering to sinks.
func NewBus(cfg *Config, logger *log.Logger) *Bus {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = def.RecentSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}

	return &Bus{
		logger:      logger.WithComponent("events"),
		queue:       make(chan Event, cfg.QueueSize),
		sinkTimeout: cfg.SinkTimeout,
		subs:        make(map[int]chan Event),
		recent:      make([]Event, cfg.RecentSize),
	}
}

// AddSink registers a sink. Sinks added after Run starts receive later events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish records e and hands it to subscribers and the sink queue.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.remember(e)

	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	hasSinks := len(b.sinks) > 0
	b.mu.RUnlock()

	if !hasSinks {
		return
	}
	select {
	case b.queue <- e:
	default:
		b.dropped.Add(1)
	}
}

// Run delivers queued events to the sinks until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.queue:
			b.deliver(ctx, e)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, b.sinkTimeout)
		err := s.Publish(sinkCtx, e)
		cancel()
		if err != nil {
			b.logger.WithError(err).Warn("event sink failed",
				"sink", s.Name(),
				"event_type", string(e.Type),
			)
		}
	}
}

func (b *Bus) remember(e Event) {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	b.recent[b.head] = e
	b.head = (b.head + 1) % len(b.recent)
	if b.head == 0 {
		b.full = true
	}
}

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()

	size := b.head
	if b.full {
		size = len(b.recent)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, n)
	start := (b.head - n + len(b.recent)) % len(b.recent)
	for i := range n {
		out[i] = b.recent[(start+i)%len(b.recent)]
	}
	return out
}

// Dropped returns how many deliveries were skipped because a consumer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
