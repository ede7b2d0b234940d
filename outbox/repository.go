package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"estateflow/db"
)

// Writer enqueues an event. Called inside the caller's transaction.
type Writer interface {
	Enqueue(ctx context.Context, topic string, payload any) error
}

// Store claims pending messages for delivery.
type Store interface {
	// ProcessBatch claims up to limit pending messages, passes each to
	// publish and records the outcome. A message whose attempts reach
	// maxAttempts is marked dead.
	ProcessBatch(ctx context.Context, limit, maxAttempts int, publish func(context.Context, Message) error) (BatchResult, error)
}

// PGRepository implements Writer and Store backed by PostgreSQL.
type PGRepository struct {
	pool db.Pool
}

// NewRepository wires a pgxpool-backed outbox.
func NewRepository(pool db.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Enqueue inserts a pending message, joining the transaction in ctx.
func (r *PGRepository) Enqueue(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// ProcessBatch locks pending rows with SKIP LOCKED so concurrent relays never
// deliver the same message twice in one pass.
func (r *PGRepository) ProcessBatch(ctx context.Context, limit, maxAttempts int, publish func(context.Context, Message) error) (BatchResult, error) {
	var res BatchResult
	if limit <= 0 {
		limit = 10
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status, attempts, COALESCE(last_error, ''), created_at, last_attempt_at, processed_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return res, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt, &m.LastAttemptAt, &m.ProcessedAt)
		return m, err
	})
	if err != nil {
		return res, fmt.Errorf("outbox: scan: %w", err)
	}

	for _, m := range msgs {
		if perr := publish(ctx, m); perr != nil {
			status := StatusPending
			if maxAttempts > 0 && m.Attempts+1 >= maxAttempts {
				status = StatusDead
				res.Dead++
			} else {
				res.Failed++
			}
			if _, err := tx.Exec(ctx, `
				UPDATE outbox
				SET attempts = attempts + 1, last_attempt_at = now(), last_error = $2, status = $3
				WHERE id = $1
			`, m.ID, perr.Error(), status); err != nil {
				return BatchResult{}, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'processed', attempts = attempts + 1, last_attempt_at = now(), processed_at = now()
			WHERE id = $1
		`, m.ID); err != nil {
			return BatchResult{}, fmt.Errorf("outbox: mark processed: %w", err)
		}
		res.Processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("outbox: commit: %w", err)
	}
	return res, nil
}
