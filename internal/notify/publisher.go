package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/store"
)

// EventEscalation is the event type carried by escalation alerts.
const EventEscalation = "escalation.alert"

// Publisher fans alert events out to webhook subscriptions (durable, via the
// delivery queue) and optionally to a live stream callback wired to the
// event broker.
type Publisher struct {
	Store  store.Store
	Stream func(eventType string, payload []byte)
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Alert implements the escalation engine's fan-out hook.
func (p *Publisher) Alert(ctx context.Context, rec model.EscalationRecord, order model.Order) error {
	return p.Emit(ctx, EventEscalation, map[string]any{
		"escalation": rec,
		"order":      order,
	})
}

// Emit enqueues one durable delivery per matching subscription and pushes the
// payload to the live stream. Enqueue failures surface; an event with no
// subscribers is not an error.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) error {
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if p.Stream != nil {
		p.Stream(eventType, body)
	}
	subs, err := p.Store.SubscriptionsForEvent(ctx, eventType)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if _, err := p.Store.EnqueueAlertDelivery(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			return err
		}
	}
	return nil
}
