package agreement

import (
	"context"
	"encoding/json"
	"fmt"
)

// OutboxHandler delivers one outbox message. A returned error leaves the
// message pending until its attempts run out.
type OutboxHandler func(ctx context.Context, msg OutboxMessage) error

// DecodeEvent restores the event carried by an outbox message.
func DecodeEvent(msg OutboxMessage) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return Event{}, fmt.Errorf("agreement: decode outbox message %s: %w", msg.ID, err)
	}
	return e, nil
}

// ProcessOutbox claims up to limit pending messages with FOR UPDATE SKIP
// LOCKED, so several dispatchers can drain the same outbox, and hands each to
// fn. Messages failing maxAttempts times are marked dead.
func (s *PGStore) ProcessOutbox(ctx context.Context, limit, maxAttempts int, fn OutboxHandler) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("agreement: begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED;
`
	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return 0, fmt.Errorf("agreement: claim outbox: %w", err)
	}
	var batch []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("agreement: scan outbox: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("agreement: claim outbox: %w", err)
	}

	processed := 0
	for _, m := range batch {
		if herr := fn(ctx, m); herr != nil {
			status := OutboxStatusPending
			if m.Attempts+1 >= maxAttempts {
				status = OutboxStatusDead
			}
			if _, err := tx.Exec(ctx,
				`UPDATE outbox SET attempts = attempts + 1, status = $2, last_error = $3 WHERE id = $1`,
				m.ID, status, herr.Error(),
			); err != nil {
				return 0, fmt.Errorf("agreement: mark outbox failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = $1`, m.ID,
		); err != nil {
			return 0, fmt.Errorf("agreement: mark outbox processed: %w", err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("agreement: commit outbox tx: %w", err)
	}
	return processed, nil
}

// PendingOutbox counts messages still awaiting delivery.
func (s *PGStore) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("agreement: count outbox: %w", err)
	}
	return n, nil
}
