package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// EncodeMessage turns an envelope into a message keyed by its order id.
func EncodeMessage(topic string, env events.Envelope) (kafka.Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   events.PartitionKey(env.CorrelationID),
		Value: b,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(env.EventType)},
			{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	}, nil
}

func DecodeEnvelope(m kafka.Message) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// HeaderValue returns the first header with key, or "".
func HeaderValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
