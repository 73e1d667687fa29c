package payout

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scopeledger/agreement"
	"scopeledger/money"
)

func TestBook_TransferAndReject(t *testing.T) {
	ctx := context.Background()
	b := NewBook()

	require.NoError(t, b.Transfer(ctx, "0xalice", money.MustParse("1.5")))
	require.NoError(t, b.Transfer(ctx, "0xalice", money.MustParse("0.5")))
	assert.True(t, b.Balance("0xalice").Equal(money.MustParse("2")))

	b.Reject("0xbob", nil)
	err := b.Transfer(ctx, "0xbob", money.MustParse("1"))
	require.ErrorIs(t, err, ErrPayeeRejected)
	assert.True(t, b.Balance("0xbob").IsZero())

	b.Accept("0xbob")
	require.NoError(t, b.Transfer(ctx, "0xbob", money.MustParse("1")))

	assert.Equal(t, 3, b.Transfers())
	assert.True(t, b.Total().Equal(money.MustParse("3")))

	require.Error(t, b.Transfer(ctx, "", money.MustParse("1")))
}

func TestBook_FailedTransferRollsBackLedger(t *testing.T) {
	ctx := context.Background()
	book := NewBook()
	svc, err := agreement.Open(ctx, agreement.NewMemoryStore(), book, "0xowner")
	require.NoError(t, err)

	res, err := svc.CreateAgreement(ctx, "0xfl", "0xcl", money.MustParse("1"), "Design review")
	require.NoError(t, err)
	_, err = svc.DepositFunds(ctx, res.Agreement.ID, "0xcl", money.MustParse("1"))
	require.NoError(t, err)

	book.Reject("0xfl", errors.New("account frozen"))
	_, err = svc.CompleteAgreement(ctx, res.Agreement.ID, "0xcl")
	require.ErrorIs(t, err, agreement.ErrTransferFailed)

	book.Accept("0xfl")
	_, err = svc.CompleteAgreement(ctx, res.Agreement.ID, "0xcl")
	require.NoError(t, err)
	assert.True(t, book.Balance("0xfl").Equal(money.MustParse("0.975")))
}

func TestLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	book := NewBook()
	book.Reject("0xbob", nil)
	l := WithLogging(book, logger)

	require.NoError(t, l.Transfer(context.Background(), "0xalice", money.MustParse("1")))
	require.Error(t, l.Transfer(context.Background(), "0xbob", money.MustParse("1")))

	out := buf.String()
	assert.Contains(t, out, "payout transferred")
	assert.Contains(t, out, "payee=0xalice")
	assert.Contains(t, out, "payout transfer failed")
}
