package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scopeledger/agreement"
	"scopeledger/money"
	"scopeledger/payout"
)

func TestLedger_ObservesOperations(t *testing.T) {
	ctx := context.Background()
	m := NewLedger()
	svc, err := agreement.Open(ctx, agreement.NewMemoryStore(), payout.NewBook(), "0xowner")
	require.NoError(t, err)
	svc.WithObserver(m)

	res, err := svc.CreateAgreement(ctx, "0xfl", "0xcl", money.MustParse("1"), "API client")
	require.NoError(t, err)
	id := res.Agreement.ID

	_, err = svc.DepositFunds(ctx, id, "0xfl", money.MustParse("1"))
	require.Error(t, err)
	_, err = svc.DepositFunds(ctx, id, "0xcl", money.MustParse("1"))
	require.NoError(t, err)
	_, err = svc.CompleteAgreement(ctx, id, "0xfl")
	require.NoError(t, err)
	_, err = svc.WithdrawFees(ctx, "0xowner")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deposit_funds", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("deposit_funds", "unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(string(agreement.EventAgreementCompleted))))
	assert.InDelta(t, 0.025, testutil.ToFloat64(m.fees), 1e-9)
	assert.InDelta(t, 0.025, testutil.ToFloat64(m.withdrawn), 1e-9)
	assert.InDelta(t, 0.975, testutil.ToFloat64(m.payouts.WithLabelValues("freelancer")), 1e-9)
}

func TestLedger_Handler(t *testing.T) {
	m := NewLedger()
	m.Observe("create_agreement", agreement.Result{}, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `scopeledger_operations_total{operation="create_agreement",result="ok"} 1`)
}

func TestLedger_OutboxSubscriber(t *testing.T) {
	ctx := context.Background()
	m := NewLedger()
	store := agreement.NewMemoryStore()
	m.TrackOutbox(store.PendingOutbox)

	svc, err := agreement.Open(ctx, store, payout.NewBook(), "0xowner")
	require.NoError(t, err)
	_, err = svc.CreateAgreement(ctx, "0xfl", "0xcl", money.MustParse("1"), "API client")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "scopeledger_outbox_pending")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.ProcessOutbox(ctx, 10, 3, func(ctx context.Context, msg agreement.OutboxMessage) error {
		e, err := agreement.DecodeEvent(msg)
		if err != nil {
			return err
		}
		return m.Handle(ctx, e)
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.delivered.WithLabelValues(string(agreement.EventAgreementCreated))))
}
