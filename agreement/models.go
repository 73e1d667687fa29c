package agreement

import (
	"strings"
	"time"

	"scopeledger/money"
)

// Identity is an opaque caller identity. The empty identity is never valid.
type Identity string

// Valid reports whether the identity names someone.
func (i Identity) Valid() bool {
	return strings.TrimSpace(string(i)) != ""
}

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusClientFired Status = "client_fired"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusClientFired, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// Agreement mirrors the agreements table.
type Agreement struct {
	ID             int64
	Freelancer     Identity
	Client         Identity
	OriginalAmount money.Amount
	CurrentAmount  money.Amount
	Scope          string
	ScopeChanges   int
	FundsDeposited bool
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsParty reports whether id is the agreement's client or freelancer.
func (a Agreement) IsParty(id Identity) bool {
	return id == a.Client || id == a.Freelancer
}

// Platform mirrors the single platform_ledger row.
type Platform struct {
	Owner              Identity
	TotalFeesCollected money.Amount
}

// EventType names an immutable business event appended by the ledger.
type EventType string

const (
	EventAgreementCreated     EventType = "AGREEMENT_CREATED"
	EventFundsDeposited       EventType = "FUNDS_DEPOSITED"
	EventScopeChangeRequested EventType = "SCOPE_CHANGE_REQUESTED"
	EventScopeChangeAlert     EventType = "SCOPE_CHANGE_ALERT"
	EventClientFired          EventType = "CLIENT_FIRED"
	EventAgreementCompleted   EventType = "AGREEMENT_COMPLETED"
	EventAgreementCancelled   EventType = "AGREEMENT_CANCELLED"
	EventScopeAmended         EventType = "SCOPE_AMENDED"
	EventFeesWithdrawn        EventType = "FEES_WITHDRAWN"
)

// Event captures an appended ledger event. AgreementID is zero for
// platform-level events such as fee withdrawals.
type Event struct {
	Seq         int64          `json:"seq"`
	AgreementID int64          `json:"agreement_id,omitempty"`
	Type        EventType      `json:"type"`
	Actor       Identity       `json:"actor,omitempty"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

// PayoutKind classifies a transfer made out of custody.
type PayoutKind string

const (
	PayoutCompletion    PayoutKind = "completion"
	PayoutClientFired   PayoutKind = "client_fired"
	PayoutFeeWithdrawal PayoutKind = "fee_withdrawal"
)

// Payout records one value transfer made by the ledger.
type Payout struct {
	AgreementID int64
	Payee       Identity
	Amount      money.Amount
	Fee         money.Amount
	Kind        PayoutKind
	CreatedAt   time.Time
}

// Settlement describes the transfer performed by a terminal transition or a
// fee withdrawal.
type Settlement struct {
	Payee  Identity
	Payout money.Amount
	Fee    money.Amount
}

// Result is returned by every mutating ledger operation.
type Result struct {
	Agreement  Agreement
	Events     []Event
	Settlement *Settlement
}

// Risk is the scope-change exposure of a client.
type Risk struct {
	AtRisk    bool
	Changes   int
	Remaining int
}

// Stats is the reporting view of a single agreement.
type Stats struct {
	AgreementID    int64
	Status         Status
	OriginalAmount money.Amount
	CurrentAmount  money.Amount
	AdditionalCost money.Amount
	ScopeChanges   int
	Remaining      int
	AtRisk         bool
	HealthScore    int
}

// Summary aggregates the whole ledger for reporting collaborators.
type Summary struct {
	Owner              Identity
	Total              int
	ByStatus           map[Status]int
	TotalFeesCollected money.Amount
}

// ListFilter narrows ListAgreements. Zero values mean "any".
type ListFilter struct {
	Party   Identity
	Status  Status
	AfterID int64
	Limit   int
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	OutboxStatusPending   = "pending"
	OutboxStatusProcessed = "processed"
	OutboxStatusDead      = "dead"
)
