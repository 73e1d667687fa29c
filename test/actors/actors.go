package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"scopeledger/agreement"
	"scopeledger/money"
)

// Stats counts actor outcomes across the run.
type Stats struct {
	Applied   atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

// classify absorbs the errors a contended, chaos-injected ledger is expected
// to produce and returns anything else.
func (s *Stats) classify(op string, err error) error {
	switch {
	case err == nil:
		s.Applied.Add(1)
		return nil
	case agreement.IsRejection(err):
		s.Rejected.Add(1)
		return nil
	case transient(err):
		s.Transient.Add(1)
		return nil
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "57", "08", "40":
			return true
		}
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(lo, hi int) {
	time.Sleep(time.Duration(lo+rand.Intn(hi-lo)) * time.Millisecond)
}

// Freelancer keeps opening agreements with random clients and, once funded,
// completes them or fires clients that changed scope.
func Freelancer(ctx context.Context, svc *agreement.Service, me agreement.Identity, clients []agreement.Identity, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		switch rand.Intn(4) {
		case 0:
			cl := clients[rand.Intn(len(clients))]
			amount := money.MustParse(fmt.Sprintf("%d.%03d", 1+rand.Intn(5), rand.Intn(1000)))
			_, err := svc.CreateAgreement(ctx, me, cl, amount, fmt.Sprintf("Stress scope %d", rand.Int63()))
			if err := stats.classify("create", err); err != nil {
				return err
			}
		default:
			list, err := svc.ListAgreements(ctx, agreement.ListFilter{Party: me, Status: agreement.StatusActive, Limit: 20})
			if err != nil {
				if transient(err) {
					continue
				}
				return fmt.Errorf("freelancer list: %w", err)
			}
			if len(list) == 0 {
				break
			}
			a := list[rand.Intn(len(list))]
			if a.ScopeChanges > 0 && rand.Intn(3) == 0 {
				_, err = svc.FireClient(ctx, a.ID, me, "Stress firing")
			} else {
				_, err = svc.CompleteAgreement(ctx, a.ID, me)
			}
			if err := stats.classify("settle", err); err != nil {
				return err
			}
		}
		pause(5, 25)
	}
}

// Client funds its agreements and keeps asking for scope changes, sometimes
// paying the wrong amount or cancelling before funding.
func Client(ctx context.Context, svc *agreement.Service, me agreement.Identity, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		list, err := svc.ListAgreements(ctx, agreement.ListFilter{Party: me, Status: agreement.StatusActive, Limit: 20})
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("client list: %w", err)
		}
		for _, a := range list {
			switch {
			case !a.FundsDeposited && rand.Intn(6) == 0:
				_, err = svc.CancelAgreement(ctx, a.ID, me)
			case !a.FundsDeposited:
				_, err = svc.DepositFunds(ctx, a.ID, me, a.CurrentAmount)
			case rand.Intn(8) == 0:
				_, err = svc.RequestScopeChange(ctx, a.ID, me, a.OriginalAmount)
			default:
				_, err = svc.RequestScopeChange(ctx, a.ID, me, agreement.ScopeChangeCharge(a))
			}
			if err := stats.classify("client", err); err != nil {
				return err
			}
		}
		pause(5, 25)
	}
}

// Owner races fee withdrawals against settlements.
func Owner(ctx context.Context, svc *agreement.Service, me agreement.Identity, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := svc.WithdrawFees(ctx, me)
		if err := stats.classify("withdraw", err); err != nil {
			return err
		}
		pause(20, 60)
	}
}

// Intruder calls every mutating operation with an identity that is party to
// nothing; all calls must be rejected.
func Intruder(ctx context.Context, svc *agreement.Service, me agreement.Identity, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		list, err := svc.ListAgreements(ctx, agreement.ListFilter{Status: agreement.StatusActive, Limit: 5})
		if err != nil {
			if transient(err) {
				continue
			}
			return fmt.Errorf("intruder list: %w", err)
		}
		for _, a := range list {
			calls := []func() error{
				func() error { _, err := svc.DepositFunds(ctx, a.ID, me, a.CurrentAmount); return err },
				func() error {
					_, err := svc.RequestScopeChange(ctx, a.ID, me, agreement.ScopeChangeCharge(a))
					return err
				},
				func() error { _, err := svc.CompleteAgreement(ctx, a.ID, me); return err },
				func() error { _, err := svc.FireClient(ctx, a.ID, me, "intrusion"); return err },
				func() error { _, err := svc.CancelAgreement(ctx, a.ID, me); return err },
				func() error { _, err := svc.WithdrawFees(ctx, me); return err },
			}
			err := calls[rand.Intn(len(calls))]()
			if err == nil {
				return fmt.Errorf("intruder %s mutated agreement %d", me, a.ID)
			}
			if !errors.Is(err, agreement.ErrUnauthorized) && !transient(err) {
				return fmt.Errorf("intruder: unexpected error: %w", err)
			}
			stats.Rejected.Add(1)
		}
		pause(10, 40)
	}
}
