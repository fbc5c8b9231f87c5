package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Fields(t *testing.T) {
	created := time.Date(2026, 5, 4, 10, 30, 0, 0, time.FixedZone("CEST", 7200))
	env := Envelope{
		ID:            "9b1f0c1e-0000-4000-8000-000000000001",
		Type:          string(EventTypeProductUpserted),
		AggregateType: AggregateProduct,
		AggregateID:   "otherstories_1234",
		Stream:        DefaultStream,
		Payload:       json.RawMessage(`{"title":"Linen Dress"}`),
		RetryCount:    2,
		CreatedAt:     created,
	}

	fields, err := env.Fields()
	require.NoError(t, err)

	assert.Equal(t, "product.upserted", fields["type"])
	assert.Equal(t, "product.upserted", fields["event_type"])
	assert.Equal(t, "otherstories_1234", fields["aggregate_id"])
	assert.Equal(t, "product", fields["aggregate_type"])
	assert.Equal(t, env.ID, fields["original_id"])

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(fields["data"].(string)), &data))
	assert.Equal(t, "2026-05-04T08:30:00Z", data["timestamp"])
	assert.Equal(t, map[string]any{"title": "Linen Dress"}, data["payload"])

	meta := data["metadata"].(map[string]any)
	assert.Equal(t, Source, meta["source"])
	assert.Equal(t, DefaultStream, meta["target_stream"])
	assert.Equal(t, float64(2), meta["retry_count"])
}

func TestEnvelope_FieldsRejectsInvalidPayload(t *testing.T) {
	_, err := Envelope{ID: "x", Payload: json.RawMessage(`not json`)}.Fields()
	assert.ErrorContains(t, err, "invalid payload")
}

func TestDecode(t *testing.T) {
	env := Envelope{
		ID:            "9b1f0c1e-0000-4000-8000-000000000002",
		Type:          string(EventTypeProductsRemoved),
		AggregateType: AggregateSource,
		AggregateID:   "scraper",
		Stream:        DefaultStream,
		Payload:       json.RawMessage(`{"count":2}`),
		CreatedAt:     time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC),
	}

	fields, err := env.Fields()
	require.NoError(t, err)

	got, err := Decode(fields)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.AggregateID, got.AggregateID)
	assert.Equal(t, env.Stream, got.Stream)
	assert.True(t, env.CreatedAt.Equal(got.CreatedAt))
	assert.JSONEq(t, `{"count":2}`, string(got.Payload))

	_, err = Decode(map[string]any{"type": "x"})
	assert.ErrorContains(t, err, "no data field")

	_, err = Decode(map[string]any{"data": "{"})
	assert.ErrorContains(t, err, "failed to decode envelope")
}
