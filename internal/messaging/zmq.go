package messaging

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/kristminer/internal/events"
	"github.com/bardlex/kristminer/pkg/errors"
	"github.com/bardlex/kristminer/pkg/log"
)

// ZMQPublisher broadcasts events on a PUB socket as two frames: the topic
// from ZMQTopic and the JSON-encoded event.
type ZMQPublisher struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

var _ events.Sink = (*ZMQPublisher)(nil)

// NewZMQPublisher creates a PUB socket and binds it to endpoint
func NewZMQPublisher(endpoint string, logger *log.Logger) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket",
			"failed to create ZMQ socket")
	}

	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "zmq_bind",
			"failed to bind ZMQ endpoint").WithContext("endpoint", endpoint)
	}

	logger = logger.WithComponent("zmq")
	logger.Info("bound ZMQ publisher", "endpoint", endpoint)

	return &ZMQPublisher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Name implements events.Sink
func (z *ZMQPublisher) Name() string { return "zmq" }

// Publish implements events.Sink. PUB sockets drop frames for slow
// subscribers instead of blocking.
func (z *ZMQPublisher) Publish(_ context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "event_encode",
			"failed to encode event").WithContext("event_type", string(e.Type))
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket == nil {
		return errors.New(errors.ErrorTypeMessaging, "zmq_send", "publisher is closed")
	}

	topic := ZMQTopic(e.Type)
	if _, err := z.socket.SendMessage(topic, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_send",
			"failed to send ZMQ message").WithContext("topic", topic)
	}

	z.logger.Debug("published ZMQ message", "topic", topic, "size", len(data))
	return nil
}

// Close closes the ZMQ socket
func (z *ZMQPublisher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
