package agreement

import (
	"context"

	"scopeledger/money"
)

// Tx is a single all-or-nothing unit of work against the ledger store. Lock*
// methods hold their lock until Commit or Rollback; callers lock agreements
// before the platform row. Rollback after Commit is a no-op.
type Tx interface {
	InsertAgreement(ctx context.Context, a Agreement) (Agreement, error)
	LockAgreement(ctx context.Context, id int64) (Agreement, error)
	UpdateAgreement(ctx context.Context, a Agreement) error
	LockPlatform(ctx context.Context) (Platform, error)
	SetFeesCollected(ctx context.Context, total money.Amount) error
	RecordPayout(ctx context.Context, p Payout) error
	// AppendEvent appends the event and enqueues it on the outbox.
	AppendEvent(ctx context.Context, e Event) (Event, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store owns every agreement record, the fee balance and the owner identity.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// EnsureOwner records owner on first use and returns the persisted owner.
	EnsureOwner(ctx context.Context, owner Identity) (Identity, error)
	GetAgreement(ctx context.Context, id int64) (Agreement, error)
	ListAgreements(ctx context.Context, filter ListFilter) ([]Agreement, error)
	Events(ctx context.Context, agreementID int64) ([]Event, error)
	Platform(ctx context.Context) (Platform, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Transferer moves value out of custody. A returned error aborts the
// surrounding ledger operation.
type Transferer interface {
	Transfer(ctx context.Context, to Identity, amount money.Amount) error
}

// Observer is notified after every mutating operation, successful or not.
type Observer interface {
	Observe(op string, res Result, err error)
}
