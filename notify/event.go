package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics published by the registry and the escrow orchestrator.
const (
	TopicListingChanged    = "listing.changed"
	TopicCapacityChanged   = "listing.capacity_changed"
	TopicAgreementCreated  = "agreement.created"
	TopicAgreementRefunded = "agreement.refunded"
	TopicAgreementWithdrew = "agreement.withdrawn"
	TopicAgreementReviewed = "agreement.reviewed"
)

// Outbox row states.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Event is one notification appended to the stream. Key is the listing seller
// or the agreement id the event is about.
type Event struct {
	ID        string
	Topic     string
	Key       string
	Payload   map[string]any
	CreatedAt time.Time
}

// Emitter appends events to the notification stream. Emit joins the unit of
// work carried by ctx so events commit with the state change that caused them.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
}

// Message is an encoded event as stored in the outbox and handed to publishers.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// NewEvent stamps a fresh id and creation time.
func NewEvent(topic, key string, payload map[string]any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}
}

func encode(evt Event) (Message, error) {
	if evt.Topic == "" {
		return Message{}, fmt.Errorf("notify: missing topic")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("notify: marshal payload: %w", err)
	}
	return Message{
		ID:        evt.ID,
		Topic:     evt.Topic,
		Key:       evt.Key,
		Payload:   body,
		CreatedAt: evt.CreatedAt,
	}, nil
}
