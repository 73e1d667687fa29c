package agreement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"scopeledger/money"
)

const (
	freelancer Identity = "0xfreelancer"
	client     Identity = "0xclient"
	owner      Identity = "0xowner"
	stranger   Identity = "0xstranger"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type transfer struct {
	to     Identity
	amount money.Amount
}

type fakeTransfer struct {
	mu        sync.Mutex
	fail      error
	transfers []transfer
}

func (f *fakeTransfer) Transfer(_ context.Context, to Identity, amount money.Amount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.transfers = append(f.transfers, transfer{to: to, amount: amount})
	return nil
}

func (f *fakeTransfer) sent() []transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer(nil), f.transfers...)
}

type fakeObserver struct {
	mu  sync.Mutex
	ops []string
	err []error
}

func (f *fakeObserver) Observe(op string, _ Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.err = append(f.err, err)
}

type ledger struct {
	svc      *Service
	store    *MemoryStore
	transfer *fakeTransfer
}

func newLedger(t *testing.T) ledger {
	t.Helper()
	store := NewMemoryStore()
	tr := &fakeTransfer{}
	svc, err := Open(context.Background(), store, tr, owner)
	require.NoError(t, err)
	svc.WithClock(func() time.Time { return fixedNow })
	return ledger{svc: svc, store: store, transfer: tr}
}

func requireAmount(t *testing.T, want string, got money.Amount) {
	t.Helper()
	require.Truef(t, money.MustParse(want).Equal(got), "want %s, got %s", want, got.Format())
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// funded creates a 1.0 agreement and deposits it.
func (l ledger) funded(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	res, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)
	_, err = l.svc.DepositFunds(ctx, res.Agreement.ID, client, money.MustParse("1"))
	require.NoError(t, err)
	return res.Agreement.ID
}

func TestOpen_OwnerIsFixedOnFirstUse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := Open(ctx, store, &fakeTransfer{}, owner)
	require.NoError(t, err)

	_, err = Open(ctx, store, &fakeTransfer{}, owner)
	require.NoError(t, err)

	_, err = Open(ctx, store, &fakeTransfer{}, stranger)
	require.ErrorIs(t, err, ErrOwnerMismatch)
}

func TestCreateAgreement(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	first, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)
	second, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("2"), "Write docs")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Agreement.ID)
	assert.Equal(t, int64(2), second.Agreement.ID)

	a := first.Agreement
	assert.Equal(t, StatusActive, a.Status)
	assert.False(t, a.FundsDeposited)
	assert.Zero(t, a.ScopeChanges)
	requireAmount(t, "1", a.OriginalAmount)
	requireAmount(t, "1", a.CurrentAmount)
	assert.Equal(t, fixedNow, a.CreatedAt)

	require.Len(t, first.Events, 1)
	e := first.Events[0]
	assert.Equal(t, EventAgreementCreated, e.Type)
	assert.Equal(t, int64(1), e.AgreementID)
	assert.Equal(t, freelancer, e.Actor)
	assert.Equal(t, client, e.Payload["client"])
	assert.Equal(t, "Build landing page", e.Payload["scope"])
}

func TestCreateAgreement_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		client Identity
		amount money.Amount
		scope  string
		want   error
	}{
		{"empty client", "", money.MustParse("1"), "scope", ErrInvalidClient},
		{"self dealing", freelancer, money.MustParse("1"), "scope", ErrSelfDealing},
		{"zero amount", client, money.Zero(), "scope", ErrInvalidAmount},
		{"negative amount", client, money.FromInt64(-5), "scope", ErrInvalidAmount},
		{"empty scope", client, money.MustParse("1"), "", ErrEmptyScope},
		{"blank scope", client, money.MustParse("1"), "   ", ErrEmptyScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLedger(t)
			_, err := l.svc.CreateAgreement(context.Background(), freelancer, tt.client, tt.amount, tt.scope)
			require.ErrorIs(t, err, tt.want)

			list, err := l.svc.ListAgreements(context.Background(), ListFilter{})
			require.NoError(t, err)
			assert.Empty(t, list)
			assert.Empty(t, l.store.Outbox())
		})
	}
}

func TestDepositFunds(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	res, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)
	id := res.Agreement.ID

	_, err = l.svc.DepositFunds(ctx, id, freelancer, money.MustParse("1"))
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = l.svc.DepositFunds(ctx, id, client, money.MustParse("0.9"))
	require.ErrorIs(t, err, ErrIncorrectPayment)

	_, err = l.svc.DepositFunds(ctx, 99, client, money.MustParse("1"))
	require.ErrorIs(t, err, ErrAgreementNotFound)

	res, err = l.svc.DepositFunds(ctx, id, client, money.MustParse("1"))
	require.NoError(t, err)
	assert.True(t, res.Agreement.FundsDeposited)
	assert.Equal(t, []EventType{EventFundsDeposited}, eventTypes(res.Events))

	_, err = l.svc.DepositFunds(ctx, id, client, money.MustParse("1"))
	require.ErrorIs(t, err, ErrAlreadyFunded)
}

func TestDepositFunds_RejectsCancelledAgreement(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	res, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)
	_, err = l.svc.CancelAgreement(ctx, res.Agreement.ID, client)
	require.NoError(t, err)

	_, err = l.svc.DepositFunds(ctx, res.Agreement.ID, client, money.MustParse("1"))
	require.ErrorIs(t, err, ErrNotActive)
}

func TestScopeChangeCharge_DoesNotCompound(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	charge, err := l.svc.ScopeChangeCharge(ctx, id)
	require.NoError(t, err)
	requireAmount(t, "0.2", charge)

	_, err = l.svc.RequestScopeChange(ctx, id, client, charge)
	require.NoError(t, err)

	again, err := l.svc.ScopeChangeCharge(ctx, id)
	require.NoError(t, err)
	requireAmount(t, "0.2", again)

	_, err = l.svc.ScopeChangeCharge(ctx, 42)
	require.ErrorIs(t, err, ErrAgreementNotFound)
}

func TestRequestScopeChange_ThirdChangeFiresClient(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)
	charge := money.MustParse("0.2")

	res, err := l.svc.RequestScopeChange(ctx, id, client, charge)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventScopeChangeRequested}, eventTypes(res.Events))
	assert.Equal(t, 1, res.Events[0].Payload["count"])

	res, err = l.svc.RequestScopeChange(ctx, id, client, charge)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventScopeChangeRequested, EventScopeChangeAlert}, eventTypes(res.Events))
	assert.Equal(t, ScopeChangeWarning, res.Events[1].Payload["message"])
	assert.Equal(t, 2, res.Events[1].Payload["count"])
	assert.Nil(t, res.Settlement)

	risk, err := l.svc.IsClientAtRisk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Risk{AtRisk: true, Changes: 2, Remaining: 1}, risk)

	res, err = l.svc.RequestScopeChange(ctx, id, client, charge)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventScopeChangeRequested, EventClientFired}, eventTypes(res.Events))
	assert.Equal(t, AutoFireReason, res.Events[1].Payload["reason"])
	assert.Empty(t, res.Events[1].Actor)

	a := res.Agreement
	assert.Equal(t, StatusClientFired, a.Status)
	assert.Equal(t, 3, a.ScopeChanges)
	requireAmount(t, "1.6", a.CurrentAmount)

	require.NotNil(t, res.Settlement)
	assert.Equal(t, freelancer, res.Settlement.Payee)
	requireAmount(t, "1.56", res.Settlement.Payout)
	requireAmount(t, "0.04", res.Settlement.Fee)

	sent := l.transfer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, freelancer, sent[0].to)
	requireAmount(t, "1.56", sent[0].amount)

	fees, err := l.svc.TotalFeesCollected(ctx)
	require.NoError(t, err)
	requireAmount(t, "0.04", fees)

	_, err = l.svc.RequestScopeChange(ctx, id, client, charge)
	require.ErrorIs(t, err, ErrNotActive)

	risk, err = l.svc.IsClientAtRisk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Risk{AtRisk: true, Changes: 3, Remaining: 0}, risk)
}

func TestRequestScopeChange_Rejects(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	res, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)
	id := res.Agreement.ID

	_, err = l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
	require.ErrorIs(t, err, ErrNotFunded)

	_, err = l.svc.DepositFunds(ctx, id, client, money.MustParse("1"))
	require.NoError(t, err)

	_, err = l.svc.RequestScopeChange(ctx, id, freelancer, money.MustParse("0.2"))
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.1"))
	require.ErrorIs(t, err, ErrIncorrectPayment)

	a, err := l.svc.GetAgreement(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, a.ScopeChanges)
	requireAmount(t, "1", a.CurrentAmount)
}

func TestFireClient(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	_, err := l.svc.FireClient(ctx, id, freelancer, "too early")
	require.ErrorIs(t, err, ErrNoScopeChanges)

	_, err = l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
	require.NoError(t, err)

	_, err = l.svc.FireClient(ctx, id, client, "not mine to fire")
	require.ErrorIs(t, err, ErrUnauthorized)

	res, err := l.svc.FireClient(ctx, id, freelancer, "Client keeps moving the goalposts")
	require.NoError(t, err)
	assert.Equal(t, StatusClientFired, res.Agreement.Status)
	assert.Equal(t, []EventType{EventClientFired}, eventTypes(res.Events))
	assert.Equal(t, "Client keeps moving the goalposts", res.Events[0].Payload["reason"])
	assert.Equal(t, freelancer, res.Events[0].Actor)

	requireAmount(t, "1.17", res.Settlement.Payout)
	requireAmount(t, "0.03", res.Settlement.Fee)

	_, err = l.svc.FireClient(ctx, id, freelancer, "again")
	require.ErrorIs(t, err, ErrNotActive)
}

func TestCompleteAgreement(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	_, err := l.svc.CompleteAgreement(ctx, id, stranger)
	require.ErrorIs(t, err, ErrUnauthorized)

	res, err := l.svc.CompleteAgreement(ctx, id, client)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Agreement.Status)
	requireAmount(t, "0.975", res.Settlement.Payout)
	requireAmount(t, "0.025", res.Settlement.Fee)
	assert.Equal(t, []EventType{EventAgreementCompleted}, eventTypes(res.Events))

	payouts := l.store.Payouts()
	require.Len(t, payouts, 1)
	assert.Equal(t, PayoutCompletion, payouts[0].Kind)
	assert.Equal(t, id, payouts[0].AgreementID)

	_, err = l.svc.CompleteAgreement(ctx, id, freelancer)
	require.ErrorIs(t, err, ErrNotActive)
	require.Len(t, l.transfer.sent(), 1)
}

func TestCompleteAgreement_RequiresFunds(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	res, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)

	_, err = l.svc.CompleteAgreement(ctx, res.Agreement.ID, freelancer)
	require.ErrorIs(t, err, ErrNotFunded)
}

func TestCancelAgreement(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	res, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)
	id := res.Agreement.ID

	_, err = l.svc.CancelAgreement(ctx, id, stranger)
	require.ErrorIs(t, err, ErrUnauthorized)

	res, err = l.svc.CancelAgreement(ctx, id, freelancer)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Agreement.Status)
	assert.Equal(t, freelancer, res.Events[0].Payload["cancelled_by"])
	assert.Nil(t, res.Settlement)

	_, err = l.svc.CancelAgreement(ctx, id, client)
	require.ErrorIs(t, err, ErrNotActive)

	funded := l.funded(t)
	_, err = l.svc.CancelAgreement(ctx, funded, client)
	require.ErrorIs(t, err, ErrAlreadyFunded)
}

func TestWithdrawFees(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.svc.WithdrawFees(ctx, owner)
	require.ErrorIs(t, err, ErrNoFees)

	id := l.funded(t)
	_, err = l.svc.CompleteAgreement(ctx, id, freelancer)
	require.NoError(t, err)

	_, err = l.svc.WithdrawFees(ctx, freelancer)
	require.ErrorIs(t, err, ErrUnauthorized)

	res, err := l.svc.WithdrawFees(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, res.Settlement.Payee)
	requireAmount(t, "0.025", res.Settlement.Payout)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventFeesWithdrawn, res.Events[0].Type)
	assert.Zero(t, res.Events[0].AgreementID)

	fees, err := l.svc.TotalFeesCollected(ctx)
	require.NoError(t, err)
	assert.True(t, fees.IsZero())

	_, err = l.svc.WithdrawFees(ctx, owner)
	require.ErrorIs(t, err, ErrNoFees)

	sent := l.transfer.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, owner, sent[1].to)

	platformEvents, err := l.svc.Events(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventFeesWithdrawn}, eventTypes(platformEvents))
}

func TestTransferFailure_RollsBackEverything(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	_, err := l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
	require.NoError(t, err)
	_, err = l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
	require.NoError(t, err)

	before, err := l.svc.Events(ctx, id)
	require.NoError(t, err)
	outboxBefore := len(l.store.Outbox())

	l.transfer.fail = errors.New("payee rejected transfer")

	_, err = l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
	require.ErrorIs(t, err, ErrTransferFailed)

	_, err = l.svc.CompleteAgreement(ctx, id, freelancer)
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Contains(t, err.Error(), "payee rejected transfer")

	a, err := l.svc.GetAgreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, 2, a.ScopeChanges)
	requireAmount(t, "1.4", a.CurrentAmount)

	fees, err := l.svc.TotalFeesCollected(ctx)
	require.NoError(t, err)
	assert.True(t, fees.IsZero())

	after, err := l.svc.Events(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, l.store.Outbox(), outboxBefore)
	assert.Empty(t, l.store.Payouts())

	l.transfer.fail = nil
	res, err := l.svc.CompleteAgreement(ctx, id, freelancer)
	require.NoError(t, err)
	requireAmount(t, "1.365", res.Settlement.Payout)
	requireAmount(t, "0.035", res.Settlement.Fee)
}

func TestAmendScope(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	_, err := l.svc.AmendScope(ctx, id, stranger, "more work")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = l.svc.AmendScope(ctx, id, client, "  ")
	require.ErrorIs(t, err, ErrEmptyScope)

	res, err := l.svc.AmendScope(ctx, id, client, "Add a pricing page")
	require.NoError(t, err)
	assert.Equal(t, "Build landing page\n\nADDITIONAL WORK (approved 2026-03-14T09:30:00Z):\nAdd a pricing page", res.Agreement.Scope)
	assert.Zero(t, res.Agreement.ScopeChanges)
	requireAmount(t, "1", res.Agreement.CurrentAmount)
	assert.Equal(t, []EventType{EventScopeAmended}, eventTypes(res.Events))
}

func TestStatsAndSummary(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	_, err := l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
	require.NoError(t, err)

	stats, err := l.svc.Stats(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 85, stats.HealthScore)
	assert.Equal(t, 2, stats.Remaining)
	assert.False(t, stats.AtRisk)
	requireAmount(t, "0.2", stats.AdditionalCost)

	other, err := l.svc.CreateAgreement(ctx, freelancer, stranger, money.MustParse("3"), "Logo")
	require.NoError(t, err)
	_, err = l.svc.CancelAgreement(ctx, other.Agreement.ID, stranger)
	require.NoError(t, err)

	sum, err := l.svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, owner, sum.Owner)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.ByStatus[StatusActive])
	assert.Equal(t, 1, sum.ByStatus[StatusCancelled])

	mine, err := l.svc.ListAgreements(ctx, ListFilter{Party: stranger})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, other.Agreement.ID, mine[0].ID)

	active, err := l.svc.ListAgreements(ctx, ListFilter{Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
}

func TestEvents_ReplayLifecycleInOrder(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)
	for i := 0; i < MaxScopeChanges; i++ {
		_, err := l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
		require.NoError(t, err)
	}

	events, err := l.svc.Events(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []EventType{
		EventAgreementCreated,
		EventFundsDeposited,
		EventScopeChangeRequested,
		EventScopeChangeRequested,
		EventScopeChangeAlert,
		EventScopeChangeRequested,
		EventClientFired,
	}, eventTypes(events))

	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Seq, events[i].Seq)
	}

	outbox := l.store.Outbox()
	require.Len(t, outbox, len(events))
	decoded, err := DecodeEvent(outbox[len(outbox)-1])
	require.NoError(t, err)
	assert.Equal(t, EventClientFired, decoded.Type)
	assert.Equal(t, "ledger.client_fired", outbox[len(outbox)-1].Topic)
}

func TestObserver_SeesEveryOperation(t *testing.T) {
	l := newLedger(t)
	obs := &fakeObserver{}
	l.svc.WithObserver(obs)
	ctx := context.Background()

	res, err := l.svc.CreateAgreement(ctx, freelancer, client, money.MustParse("1"), "Build landing page")
	require.NoError(t, err)
	_, err = l.svc.DepositFunds(ctx, res.Agreement.ID, client, money.MustParse("2"))
	require.Error(t, err)

	assert.Equal(t, []string{"create_agreement", "deposit_funds"}, obs.ops)
	assert.NoError(t, obs.err[0])
	assert.ErrorIs(t, obs.err[1], ErrIncorrectPayment)
}

func TestConcurrentCompletion_PaysOnce(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	var (
		ok       atomic.Int32
		inactive atomic.Int32
		g        errgroup.Group
	)
	for i := 0; i < 16; i++ {
		caller := freelancer
		if i%2 == 1 {
			caller = client
		}
		g.Go(func() error {
			_, err := l.svc.CompleteAgreement(ctx, id, caller)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrNotActive):
				inactive.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(15), inactive.Load())
	assert.Len(t, l.transfer.sent(), 1)
}

func TestConcurrentWithdraw_SpendsFeesOnce(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id := l.funded(t)
		_, err := l.svc.CompleteAgreement(ctx, id, freelancer)
		require.NoError(t, err)
	}

	var (
		ok atomic.Int32
		g  errgroup.Group
	)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := l.svc.WithdrawFees(ctx, owner)
			if err == nil {
				ok.Add(1)
				return nil
			}
			if errors.Is(err, ErrNoFees) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), ok.Load())

	var withdrawn []transfer
	for _, tr := range l.transfer.sent() {
		if tr.to == owner {
			withdrawn = append(withdrawn, tr)
		}
	}
	require.Len(t, withdrawn, 1)
	requireAmount(t, "0.1", withdrawn[0].amount)
}

func TestConcurrentScopeChanges_NeverExceedMax(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	id := l.funded(t)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := l.svc.RequestScopeChange(ctx, id, client, money.MustParse("0.2"))
			if err != nil && !errors.Is(err, ErrNotActive) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	a, err := l.svc.GetAgreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, MaxScopeChanges, a.ScopeChanges)
	assert.Equal(t, StatusClientFired, a.Status)
	requireAmount(t, "1.6", a.CurrentAmount)
	assert.Len(t, l.transfer.sent(), 1)
}

func TestLockWait_HonoursContext(t *testing.T) {
	l := newLedger(t)
	id := l.funded(t)

	tx, err := l.store.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.LockAgreement(context.Background(), id)
	require.NoError(t, err)
	defer tx.Rollback(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.svc.CompleteAgreement(ctx, id, freelancer)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, strings.Contains(err.Error(), "transfer"))
}
