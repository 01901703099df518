package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fitversal/coachchat/internal/models"
)

type EventType string

const EventMessageInserted EventType = "message_inserted"

var (
	ErrUnknownEvent = errors.New("unknown realtime event")
	ErrInvalidEvent = errors.New("invalid realtime event")
)

// Event is the payload carried on a conversation topic.
type Event struct {
	Type    EventType       `json:"type"`
	Message *models.Message `json:"message"`
	Origin  string          `json:"origin,omitempty"`
}

func MessageInserted(message models.Message) Event {
	return Event{Type: EventMessageInserted, Message: &message}
}

func (e Event) Validate() error {
	if e.Type != EventMessageInserted {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	if e.Message == nil || e.Message.ID == "" || e.Message.ConversationID == "" {
		return ErrInvalidEvent
	}
	if !e.Message.SenderRole.Valid() {
		return fmt.Errorf("%w: sender role %q", ErrInvalidEvent, e.Message.SenderRole)
	}
	return nil
}

func EncodeEvent(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEvent parses and validates a wire payload before it reaches subscribers.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
