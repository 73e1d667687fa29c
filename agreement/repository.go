package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"scopeledger/money"
)

const defaultListLimit = 100

// Pool abstracts pgxpool.Pool for testability.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps the ledger in Postgres. Row locks (SELECT ... FOR UPDATE) on
// agreements and on the platform_ledger row serialize conflicting operations.
type PGStore struct {
	pool Pool
}

func NewPGStore(pool Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) EnsureOwner(ctx context.Context, owner Identity) (Identity, error) {
	const upsertSQL = `
INSERT INTO platform_ledger (id, owner, total_fees_collected)
VALUES (1, $1, 0)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := s.pool.Exec(ctx, upsertSQL, string(owner)); err != nil {
		return "", fmt.Errorf("agreement: insert platform ledger: %w", err)
	}

	p, err := s.Platform(ctx)
	if err != nil {
		return "", err
	}
	return p.Owner, nil
}

func (s *PGStore) GetAgreement(ctx context.Context, id int64) (Agreement, error) {
	a, err := scanAgreement(s.pool.QueryRow(ctx, selectAgreementSQL+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: select agreement: %w", err)
	}
	return a, nil
}

func (s *PGStore) ListAgreements(ctx context.Context, filter ListFilter) ([]Agreement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	const whereSQL = `
 WHERE ($1 = '' OR client = $1 OR freelancer = $1)
   AND ($2 = '' OR status = $2)
   AND id > $3
 ORDER BY id
 LIMIT $4`

	rows, err := s.pool.Query(ctx, selectAgreementSQL+whereSQL, string(filter.Party), string(filter.Status), filter.AfterID, limit)
	if err != nil {
		return nil, fmt.Errorf("agreement: list agreements: %w", err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan agreement: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: list agreements: %w", err)
	}
	return out, nil
}

func (s *PGStore) Events(ctx context.Context, agreementID int64) ([]Event, error) {
	const selectSQL = `
SELECT seq, COALESCE(agreement_id, 0), type, actor, payload, created_at
FROM agreement_events
WHERE agreement_id IS NOT DISTINCT FROM $1
ORDER BY seq;
`
	rows, err := s.pool.Query(ctx, selectSQL, nullableID(agreementID))
	if err != nil {
		return nil, fmt.Errorf("agreement: select events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			actor   string
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.AgreementID, &typ, &actor, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.Actor = Identity(actor)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("agreement: decode event payload: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: select events: %w", err)
	}
	return out, nil
}

func (s *PGStore) Platform(ctx context.Context) (Platform, error) {
	p, err := scanPlatform(s.pool.QueryRow(ctx, selectPlatformSQL))
	if err != nil {
		return Platform{}, err
	}
	return p, nil
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM agreements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("agreement: count agreements: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, 4)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("agreement: scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertAgreement(ctx context.Context, a Agreement) (Agreement, error) {
	const insertSQL = `
INSERT INTO agreements (freelancer, client, original_amount, current_amount, scope, status, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8)
RETURNING id;
`
	err := t.tx.QueryRow(ctx, insertSQL,
		string(a.Freelancer), string(a.Client),
		a.OriginalAmount.String(), a.CurrentAmount.String(),
		a.Scope, string(a.Status), a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Agreement{}, fmt.Errorf("agreement: check constraint %s: %w", pgErr.ConstraintName, ErrInvalidAmount)
		}
		return Agreement{}, fmt.Errorf("agreement: insert agreement: %w", err)
	}
	return a, nil
}

func (t *pgTx) LockAgreement(ctx context.Context, id int64) (Agreement, error) {
	a, err := scanAgreement(t.tx.QueryRow(ctx, selectAgreementSQL+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrAgreementNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: lock agreement: %w", err)
	}
	return a, nil
}

func (t *pgTx) UpdateAgreement(ctx context.Context, a Agreement) error {
	const updateSQL = `
UPDATE agreements
SET current_amount = $2::numeric,
    scope = $3,
    scope_changes = $4,
    funds_deposited = $5,
    status = $6,
    updated_at = $7
WHERE id = $1;
`
	tag, err := t.tx.Exec(ctx, updateSQL,
		a.ID, a.CurrentAmount.String(), a.Scope, a.ScopeChanges,
		a.FundsDeposited, string(a.Status), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("agreement: update agreement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

func (t *pgTx) LockPlatform(ctx context.Context) (Platform, error) {
	return scanPlatform(t.tx.QueryRow(ctx, selectPlatformSQL+` FOR UPDATE`))
}

func (t *pgTx) SetFeesCollected(ctx context.Context, total money.Amount) error {
	if _, err := t.tx.Exec(ctx, `UPDATE platform_ledger SET total_fees_collected = $1::numeric WHERE id = 1`, total.String()); err != nil {
		return fmt.Errorf("agreement: update fees collected: %w", err)
	}
	return nil
}

func (t *pgTx) RecordPayout(ctx context.Context, p Payout) error {
	const insertSQL = `
INSERT INTO payouts (agreement_id, payee, amount, fee, kind, created_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6);
`
	if _, err := t.tx.Exec(ctx, insertSQL,
		nullableID(p.AgreementID), string(p.Payee),
		p.Amount.String(), p.Fee.String(), string(p.Kind), p.CreatedAt,
	); err != nil {
		return fmt.Errorf("agreement: insert payout: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e Event) (Event, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("agreement: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO agreement_events (agreement_id, type, actor, payload, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING seq;
`
	if err := t.tx.QueryRow(ctx, insertSQL,
		nullableID(e.AgreementID), string(e.Type), string(e.Actor), payload, e.CreatedAt,
	).Scan(&e.Seq); err != nil {
		return Event{}, fmt.Errorf("agreement: insert event: %w", err)
	}

	msg, err := outboxMessage(e)
	if err != nil {
		return Event{}, err
	}
	const outboxSQL = `
INSERT INTO outbox (id, topic, payload, status, created_at)
VALUES ($1, $2, $3, 'pending', $4);
`
	if _, err := t.tx.Exec(ctx, outboxSQL, msg.ID, msg.Topic, msg.Payload, msg.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("agreement: insert outbox message: %w", err)
	}
	return e, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

const selectAgreementSQL = `
SELECT id, freelancer, client, original_amount::text, current_amount::text,
       scope, scope_changes, funds_deposited, status, created_at, updated_at
FROM agreements`

const selectPlatformSQL = `SELECT owner, total_fees_collected::text FROM platform_ledger WHERE id = 1`

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a                 Agreement
		freelancer        string
		client            string
		original, current string
		status            string
	)
	if err := row.Scan(&a.ID, &freelancer, &client, &original, &current,
		&a.Scope, &a.ScopeChanges, &a.FundsDeposited, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Agreement{}, err
	}

	var err error
	if a.OriginalAmount, err = money.ParseBase(original); err != nil {
		return Agreement{}, fmt.Errorf("agreement: original amount: %w", err)
	}
	if a.CurrentAmount, err = money.ParseBase(current); err != nil {
		return Agreement{}, fmt.Errorf("agreement: current amount: %w", err)
	}
	a.Freelancer = Identity(freelancer)
	a.Client = Identity(client)
	a.Status = Status(status)
	return a, nil
}

func scanPlatform(row pgx.Row) (Platform, error) {
	var owner, fees string
	if err := row.Scan(&owner, &fees); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Platform{}, fmt.Errorf("agreement: platform ledger not initialised")
		}
		return Platform{}, fmt.Errorf("agreement: select platform ledger: %w", err)
	}
	total, err := money.ParseBase(fees)
	if err != nil {
		return Platform{}, fmt.Errorf("agreement: fees collected: %w", err)
	}
	return Platform{Owner: Identity(owner), TotalFeesCollected: total}, nil
}

// outboxMessage renders e as the outbox entry enqueued alongside it.
func outboxMessage(e Event) (OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}
	return OutboxMessage{
		ID:        uuid.NewString(),
		Topic:     Topic(e.Type),
		Payload:   payload,
		Status:    OutboxStatusPending,
		CreatedAt: e.CreatedAt,
	}, nil
}

// Topic is the outbox topic an event type is published on.
func Topic(t EventType) string {
	return "ledger." + strings.ToLower(string(t))
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
