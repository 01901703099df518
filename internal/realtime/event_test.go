package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	payload, err := EncodeEvent(MessageInserted(testMessage("m1", "conv-1")))
	require.NoError(t, err)

	event, err := DecodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, EventMessageInserted, event.Type)
	assert.Equal(t, "m1", event.Message.ID)
	assert.Nil(t, event.Message.ReadAt)
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"message_deleted","message":{"id":"m1","conversation_id":"c1","sender_role":"coach"}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeEventRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"missing message": `{"type":"message_inserted"}`,
		"missing id":      `{"type":"message_inserted","message":{"conversation_id":"c1","sender_role":"coach"}}`,
		"bad role":        `{"type":"message_inserted","message":{"id":"m1","conversation_id":"c1","sender_role":"bot"}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(payload))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}
