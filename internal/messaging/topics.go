package messaging

import "github.com/bardlex/kristminer/internal/events"

// DefaultTopic carries every miner event; the message key is the block id.
const DefaultTopic = "kristminer.events"

// ZMQ frame topics, one per event type. Subscribers filter on prefix, so
// "kristminer." receives everything.
const (
	ZMQTopicPrefix = "kristminer."

	ZMQTopicBlock      = ZMQTopicPrefix + string(events.BlockChanged)
	ZMQTopicSolution   = ZMQTopicPrefix + string(events.SolutionFound)
	ZMQTopicSubmission = ZMQTopicPrefix + string(events.SubmissionResult)
	ZMQTopicRelay      = ZMQTopicPrefix + string(events.RelayTransfer)
	ZMQTopicDevice     = ZMQTopicPrefix + string(events.DeviceFailed)
	ZMQTopicHashrate   = ZMQTopicPrefix + string(events.Hashrate)
)

// ZMQTopic returns the frame topic for an event type.
func ZMQTopic(t events.Type) string {
	return ZMQTopicPrefix + string(t)
}
