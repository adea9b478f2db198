package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Publisher MQTT publish primitive
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTPublisher publishes each event's results as a retained message on
// <prefix>/<event_id>, so late subscribers get the current numbers
type MQTTPublisher struct {
	client Publisher
	prefix string
	qos    byte
}

func NewMQTTPublisher(client Publisher, prefix string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: strings.TrimRight(prefix, "/"), qos: qos}
}

func (p *MQTTPublisher) Topic(eventID string) string {
	return p.prefix + "/" + eventID
}

// Publish implements Sink
func (p *MQTTPublisher) Publish(ctx context.Context, res *EventResults) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	return p.client.Publish(p.Topic(res.EventID), p.qos, true, payload)
}
