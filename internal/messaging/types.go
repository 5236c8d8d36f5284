package messaging

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/kristminer/internal/events"
)

// EventToStruct converts an event to a protobuf Struct. Zero fields are
// omitted the same way the JSON encoding omits them.
func EventToStruct(e events.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"type": string(e.Type),
		"time": e.Time.UTC().Format(time.RFC3339Nano),
	}
	if e.DeviceID != 0 {
		fields["device_id"] = e.DeviceID
	}
	if e.Block != "" {
		fields["block"] = e.Block
	}
	if e.Target != 0 {
		// Struct numbers are doubles; a string keeps every bit of the target.
		fields["target"] = fmt.Sprintf("%d", e.Target)
	}
	if e.Version != 0 {
		fields["version"] = fmt.Sprintf("%d", e.Version)
	}
	if e.Address != "" {
		fields["address"] = e.Address
	}
	if e.From != "" {
		fields["from"] = e.From
	}
	if e.Nonce != "" {
		fields["nonce"] = e.Nonce
	}
	if e.Result != "" {
		fields["result"] = e.Result
	}
	if e.Hashrate != 0 {
		fields["hashrate"] = e.Hashrate
	}
	if e.Amount != 0 {
		fields["amount"] = e.Amount
	}
	if e.Message != "" {
		fields["message"] = e.Message
	}
	return structpb.NewStruct(fields)
}

// EventFromStruct is the inverse of EventToStruct.
func EventFromStruct(s *structpb.Struct) (events.Event, error) {
	m := s.AsMap()
	var e events.Event

	e.Type = events.Type(stringField(m, "type"))
	if e.Type == "" {
		return e, fmt.Errorf("event has no type")
	}
	if ts := stringField(m, "time"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return e, fmt.Errorf("invalid event time %q: %w", ts, err)
		}
		e.Time = t
	}
	if v, ok := m["device_id"].(float64); ok {
		e.DeviceID = int(v)
	}
	if _, err := fmt.Sscan(stringOr(m, "target", "0"), &e.Target); err != nil {
		return e, fmt.Errorf("invalid target: %w", err)
	}
	if _, err := fmt.Sscan(stringOr(m, "version", "0"), &e.Version); err != nil {
		return e, fmt.Errorf("invalid version: %w", err)
	}
	e.Block = stringField(m, "block")
	e.Address = stringField(m, "address")
	e.From = stringField(m, "from")
	e.Nonce = stringField(m, "nonce")
	e.Result = stringField(m, "result")
	e.Message = stringField(m, "message")
	if v, ok := m["hashrate"].(float64); ok {
		e.Hashrate = v
	}
	if v, ok := m["amount"].(float64); ok {
		e.Amount = int64(v)
	}
	return e, nil
}

// eventKey partitions Kafka messages by block so one block's events stay ordered.
func eventKey(e events.Event) string {
	if e.Block != "" {
		return e.Block
	}
	return string(e.Type)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringOr(m map[string]any, key, def string) string {
	if s := stringField(m, key); s != "" {
		return s
	}
	return def
}
