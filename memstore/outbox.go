package memstore

import (
	"context"
	"encoding/json"
	"fmt"

	"estateflow/outbox"
)

// Outbox implements outbox.Writer and outbox.Store.
type Outbox struct{ s *Store }

// Enqueue appends a pending message.
func (o *Outbox) Enqueue(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	defer o.s.lock(ctx)()
	o.s.state.outbox = append(o.s.state.outbox, outbox.Message{
		ID:        newID(),
		Topic:     topic,
		Payload:   body,
		Status:    outbox.StatusPending,
		CreatedAt: o.s.now(),
	})
	return nil
}

// ProcessBatch publishes up to limit pending messages in insertion order
// while holding the store.
func (o *Outbox) ProcessBatch(ctx context.Context, limit, maxAttempts int, publish func(context.Context, outbox.Message) error) (outbox.BatchResult, error) {
	var res outbox.BatchResult
	if limit <= 0 {
		limit = 10
	}
	defer o.s.lock(ctx)()

	msgs := o.s.state.outbox
	for i := range msgs {
		if res.Total() == limit {
			break
		}
		if msgs[i].Status != outbox.StatusPending {
			continue
		}
		now := o.s.now()
		msgs[i].Attempts++
		msgs[i].LastAttemptAt = &now
		if err := publish(ctx, msgs[i]); err != nil {
			msgs[i].LastError = err.Error()
			if maxAttempts > 0 && msgs[i].Attempts >= maxAttempts {
				msgs[i].Status = outbox.StatusDead
				res.Dead++
			} else {
				res.Failed++
			}
			continue
		}
		msgs[i].Status = outbox.StatusProcessed
		msgs[i].ProcessedAt = &now
		res.Processed++
	}
	return res, nil
}

// Messages returns a copy of every message with topic, or all when topic is empty.
func (o *Outbox) Messages(ctx context.Context, topic string) []outbox.Message {
	defer o.s.lock(ctx)()
	out := make([]outbox.Message, 0, len(o.s.state.outbox))
	for _, m := range o.s.state.outbox {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
