package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Source identifies this service in stream metadata.
const Source = "stories-scraper"

// Envelope is one outbox row on its way to a stream.
type Envelope struct {
	ID            string
	Type          string
	AggregateType string
	AggregateID   string
	Stream        string
	Payload       json.RawMessage
	RetryCount    int
	CreatedAt     time.Time
}

type envelopeData struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      envelopeMeta    `json:"metadata"`
}

type envelopeMeta struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	RetryCount   int    `json:"retry_count"`
	TargetStream string `json:"target_stream"`
}

// Fields renders the envelope as stream entry fields. The "data" field
// carries the full JSON document; the rest are flat copies for consumers
// that filter without decoding.
func (e Envelope) Fields() (map[string]any, error) {
	if !json.Valid(e.Payload) {
		return nil, fmt.Errorf("invalid payload for event %s", e.ID)
	}

	data, err := json.Marshal(envelopeData{
		ID:            e.ID,
		Type:          e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Timestamp:     e.CreatedAt.UTC().Format(time.RFC3339),
		Payload:       e.Payload,
		Metadata: envelopeMeta{
			Source:       Source,
			OutboxID:     e.ID,
			RetryCount:   e.RetryCount,
			TargetStream: e.Stream,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return map[string]any{
		"data":           string(data),
		"type":           e.Type,
		"event_type":     e.Type,
		"timestamp":      strconv.FormatInt(e.CreatedAt.UnixNano(), 10),
		"original_id":    e.ID,
		"aggregate_id":   e.AggregateID,
		"aggregate_type": e.AggregateType,
	}, nil
}

// Decode reverses Fields for an entry read back from a stream.
func Decode(values map[string]any) (Envelope, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("stream entry has no data field")
	}

	var data envelopeData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	created, err := time.Parse(time.RFC3339, data.Timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope timestamp %q: %w", data.Timestamp, err)
	}

	return Envelope{
		ID:            data.ID,
		Type:          data.Type,
		AggregateType: data.AggregateType,
		AggregateID:   data.AggregateID,
		Stream:        data.Metadata.TargetStream,
		Payload:       data.Payload,
		RetryCount:    data.Metadata.RetryCount,
		CreatedAt:     created,
	}, nil
}
