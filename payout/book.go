// Package payout holds the value-transfer collaborators the ledger pays through.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"scopeledger/agreement"
	"scopeledger/money"
)

// ErrPayeeRejected is returned for payees configured to refuse transfers.
var ErrPayeeRejected = errors.New("payout: payee rejected transfer")

// Book credits payees in memory. It stands in for a real payment rail in the
// demo, the daemon's dry-run mode and tests.
type Book struct {
	mu       sync.Mutex
	balances map[agreement.Identity]money.Amount
	rejects  map[agreement.Identity]error
	count    int
}

func NewBook() *Book {
	return &Book{
		balances: make(map[agreement.Identity]money.Amount),
		rejects:  make(map[agreement.Identity]error),
	}
}

// Transfer credits amount to to, unless to has been told to reject.
func (b *Book) Transfer(ctx context.Context, to agreement.Identity, amount money.Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !to.Valid() {
		return fmt.Errorf("payout: empty payee")
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("payout: negative amount %s", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.rejects[to]; ok {
		return err
	}
	b.balances[to] = b.balances[to].Add(amount)
	b.count++
	return nil
}

// Reject makes every later transfer to payee fail with err, or
// ErrPayeeRejected when err is nil.
func (b *Book) Reject(payee agreement.Identity, err error) {
	if err == nil {
		err = ErrPayeeRejected
	}
	b.mu.Lock()
	b.rejects[payee] = err
	b.mu.Unlock()
}

// Accept clears a rejection set by Reject.
func (b *Book) Accept(payee agreement.Identity) {
	b.mu.Lock()
	delete(b.rejects, payee)
	b.mu.Unlock()
}

func (b *Book) Balance(payee agreement.Identity) money.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[payee]
}

// Total is the sum of every credited balance.
func (b *Book) Total() money.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := money.Zero()
	for _, v := range b.balances {
		total = total.Add(v)
	}
	return total
}

// Transfers reports how many transfers succeeded.
func (b *Book) Transfers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Logged wraps a Transferer and logs every attempt.
type Logged struct {
	next   agreement.Transferer
	logger *slog.Logger
}

func WithLogging(next agreement.Transferer, logger *slog.Logger) *Logged {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logged{next: next, logger: logger}
}

func (l *Logged) Transfer(ctx context.Context, to agreement.Identity, amount money.Amount) error {
	if err := l.next.Transfer(ctx, to, amount); err != nil {
		l.logger.Warn("payout transfer failed",
			slog.String("payee", string(to)),
			slog.String("amount", amount.Format()),
			slog.Any("err", err),
		)
		return err
	}
	l.logger.Info("payout transferred",
		slog.String("payee", string(to)),
		slog.String("amount", amount.Format()),
	)
	return nil
}
