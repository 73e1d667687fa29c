package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"scopeledger/money"
)

var tracer = otel.Tracer("scopeledger/agreement")

// Service is the agreement ledger. Every mutating operation runs inside one
// store transaction; a failed precondition or transfer leaves no trace.
type Service struct {
	store    Store
	transfer Transferer
	owner    Identity
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Open binds a ledger to store, recording owner as the platform owner on
// first use. Reopening with another owner fails with ErrOwnerMismatch.
func Open(ctx context.Context, store Store, transfer Transferer, owner Identity) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("agreement: nil store")
	}
	if transfer == nil {
		return nil, fmt.Errorf("agreement: nil transferer")
	}
	if !owner.Valid() {
		return nil, fmt.Errorf("agreement: owner identity required")
	}

	persisted, err := store.EnsureOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("agreement: ensure owner: %w", err)
	}
	if persisted != owner {
		return nil, fmt.Errorf("%w: store owned by %s", ErrOwnerMismatch, persisted)
	}

	return &Service{
		store:    store,
		transfer: transfer,
		owner:    owner,
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithObserver(observer Observer) *Service {
	s.observer = observer
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Owner returns the platform owner identity.
func (s *Service) Owner() Identity { return s.owner }

// CreateAgreement registers a new active agreement with freelancer as payee.
func (s *Service) CreateAgreement(ctx context.Context, freelancer, client Identity, amount money.Amount, scope string) (Result, error) {
	ctx, span := tracer.Start(ctx, "agreement.CreateAgreement")
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		if !freelancer.Valid() {
			return fmt.Errorf("%w: freelancer identity required", ErrUnauthorized)
		}
		if !client.Valid() {
			return ErrInvalidClient
		}
		if client == freelancer {
			return ErrSelfDealing
		}
		if !amount.IsPositive() {
			return ErrInvalidAmount
		}
		if strings.TrimSpace(scope) == "" {
			return ErrEmptyScope
		}

		now := s.now().UTC()
		created, err := tx.InsertAgreement(ctx, Agreement{
			Freelancer:     freelancer,
			Client:         client,
			OriginalAmount: amount,
			CurrentAmount:  amount,
			Scope:          scope,
			Status:         StatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return err
		}
		res.Agreement = created

		return s.emit(ctx, tx, &res, EventAgreementCreated, freelancer, map[string]any{
			"freelancer": freelancer,
			"client":     client,
			"amount":     amount,
			"scope":      scope,
		})
	})
	return s.finish(span, "create_agreement", res, err)
}

// DepositFunds places the full current amount in custody. Exactly one deposit
// is accepted and it must match the amount owed.
func (s *Service) DepositFunds(ctx context.Context, id int64, caller Identity, amount money.Amount) (Result, error) {
	ctx, span := startSpan(ctx, "agreement.DepositFunds", id)
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		a, err := tx.LockAgreement(ctx, id)
		if err != nil {
			return err
		}
		if caller != a.Client {
			return fmt.Errorf("%w: only client", ErrUnauthorized)
		}
		if err := requireActive(a); err != nil {
			return err
		}
		if a.FundsDeposited {
			return ErrAlreadyFunded
		}
		if !amount.Equal(a.CurrentAmount) {
			return fmt.Errorf("%w: want %s, got %s", ErrIncorrectPayment, a.CurrentAmount, amount)
		}

		a.FundsDeposited = true
		a.UpdatedAt = s.now().UTC()
		if err := tx.UpdateAgreement(ctx, a); err != nil {
			return err
		}
		res.Agreement = a

		return s.emit(ctx, tx, &res, EventFundsDeposited, caller, map[string]any{
			"amount": amount,
		})
	})
	return s.finish(span, "deposit_funds", res, err)
}

// ScopeChangeCharge returns the surcharge the client must pay for the next
// scope change on agreement id.
func (s *Service) ScopeChangeCharge(ctx context.Context, id int64) (money.Amount, error) {
	a, err := s.store.GetAgreement(ctx, id)
	if err != nil {
		return money.Amount{}, err
	}
	return ScopeChangeCharge(a), nil
}

// RequestScopeChange accepts a paid scope change. Reaching MaxScopeChanges
// fires the client and settles custody within the same call.
func (s *Service) RequestScopeChange(ctx context.Context, id int64, caller Identity, payment money.Amount) (Result, error) {
	ctx, span := startSpan(ctx, "agreement.RequestScopeChange", id)
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		a, err := tx.LockAgreement(ctx, id)
		if err != nil {
			return err
		}
		if caller != a.Client {
			return fmt.Errorf("%w: only client", ErrUnauthorized)
		}
		if err := requireActive(a); err != nil {
			return err
		}
		if !a.FundsDeposited {
			return ErrNotFunded
		}
		charge := ScopeChangeCharge(a)
		if !payment.Equal(charge) {
			return fmt.Errorf("%w: want %s, got %s", ErrIncorrectPayment, charge, payment)
		}

		a.CurrentAmount = a.CurrentAmount.Add(payment)
		a.ScopeChanges++
		a.UpdatedAt = s.now().UTC()
		if err := tx.UpdateAgreement(ctx, a); err != nil {
			return err
		}
		res.Agreement = a

		if err := s.emit(ctx, tx, &res, EventScopeChangeRequested, caller, map[string]any{
			"amount": payment,
			"count":  a.ScopeChanges,
		}); err != nil {
			return err
		}

		if a.ScopeChanges == MaxScopeChanges-1 {
			if err := s.emit(ctx, tx, &res, EventScopeChangeAlert, "", map[string]any{
				"message": ScopeChangeWarning,
				"count":   a.ScopeChanges,
			}); err != nil {
				return err
			}
		}

		if a.ScopeChanges < MaxScopeChanges {
			return nil
		}
		return s.fire(ctx, tx, &res, a, "", AutoFireReason)
	})
	return s.finish(span, "request_scope_change", res, err)
}

// FireClient lets the freelancer terminate an agreement whose client has
// changed scope at least once.
func (s *Service) FireClient(ctx context.Context, id int64, caller Identity, reason string) (Result, error) {
	ctx, span := startSpan(ctx, "agreement.FireClient", id)
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		a, err := tx.LockAgreement(ctx, id)
		if err != nil {
			return err
		}
		if caller != a.Freelancer {
			return fmt.Errorf("%w: only freelancer", ErrUnauthorized)
		}
		if err := requireActive(a); err != nil {
			return err
		}
		if a.ScopeChanges < 1 {
			return ErrNoScopeChanges
		}
		return s.fire(ctx, tx, &res, a, caller, reason)
	})
	return s.finish(span, "fire_client", res, err)
}

// CompleteAgreement releases custody, minus the platform fee, to the
// freelancer. Either party may complete.
func (s *Service) CompleteAgreement(ctx context.Context, id int64, caller Identity) (Result, error) {
	ctx, span := startSpan(ctx, "agreement.CompleteAgreement", id)
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		a, err := tx.LockAgreement(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsParty(caller) {
			return fmt.Errorf("%w: only freelancer or client can complete", ErrUnauthorized)
		}
		if err := requireActive(a); err != nil {
			return err
		}
		if !a.FundsDeposited {
			return ErrNotFunded
		}

		settlement, err := s.settle(ctx, tx, &a, StatusCompleted, PayoutCompletion)
		if err != nil {
			return err
		}
		res.Agreement = a
		res.Settlement = settlement

		if err := s.emit(ctx, tx, &res, EventAgreementCompleted, caller, map[string]any{
			"payout": settlement.Payout,
			"fee":    settlement.Fee,
		}); err != nil {
			return err
		}
		return s.pay(ctx, settlement)
	})
	return s.finish(span, "complete_agreement", res, err)
}

// CancelAgreement aborts an agreement before any money is held.
func (s *Service) CancelAgreement(ctx context.Context, id int64, caller Identity) (Result, error) {
	ctx, span := startSpan(ctx, "agreement.CancelAgreement", id)
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		a, err := tx.LockAgreement(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsParty(caller) {
			return fmt.Errorf("%w: only freelancer or client can cancel", ErrUnauthorized)
		}
		if err := requireActive(a); err != nil {
			return err
		}
		if a.FundsDeposited {
			return fmt.Errorf("%w: cannot cancel after funds deposited", ErrAlreadyFunded)
		}

		a.Status = StatusCancelled
		a.UpdatedAt = s.now().UTC()
		if err := tx.UpdateAgreement(ctx, a); err != nil {
			return err
		}
		res.Agreement = a

		return s.emit(ctx, tx, &res, EventAgreementCancelled, caller, map[string]any{
			"cancelled_by": caller,
		})
	})
	return s.finish(span, "cancel_agreement", res, err)
}

// AmendScope appends approved additional work to the scope text of an
// active agreement. Money and the scope-change counter are untouched.
func (s *Service) AmendScope(ctx context.Context, id int64, caller Identity, addition string) (Result, error) {
	ctx, span := startSpan(ctx, "agreement.AmendScope", id)
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		a, err := tx.LockAgreement(ctx, id)
		if err != nil {
			return err
		}
		if !a.IsParty(caller) {
			return fmt.Errorf("%w: only freelancer or client can amend scope", ErrUnauthorized)
		}
		if err := requireActive(a); err != nil {
			return err
		}
		addition = strings.TrimSpace(addition)
		if addition == "" {
			return ErrEmptyScope
		}

		now := s.now().UTC()
		a.Scope = fmt.Sprintf("%s\n\nADDITIONAL WORK (approved %s):\n%s", a.Scope, now.Format(time.RFC3339), addition)
		a.UpdatedAt = now
		if err := tx.UpdateAgreement(ctx, a); err != nil {
			return err
		}
		res.Agreement = a

		return s.emit(ctx, tx, &res, EventScopeAmended, caller, map[string]any{
			"addition": addition,
		})
	})
	return s.finish(span, "amend_scope", res, err)
}

// WithdrawFees transfers the whole accumulated fee balance to the owner. The
// balance is zeroed in the same transaction that performs the transfer, under
// the platform lock, so concurrent withdrawals cannot spend it twice.
func (s *Service) WithdrawFees(ctx context.Context, caller Identity) (Result, error) {
	ctx, span := tracer.Start(ctx, "agreement.WithdrawFees")
	defer span.End()

	var res Result
	err := s.withTx(ctx, func(tx Tx) error {
		if caller != s.owner {
			return fmt.Errorf("%w: only platform owner", ErrUnauthorized)
		}
		p, err := tx.LockPlatform(ctx)
		if err != nil {
			return err
		}
		if p.Owner != caller {
			return fmt.Errorf("%w: only platform owner", ErrUnauthorized)
		}
		if !p.TotalFeesCollected.IsPositive() {
			return ErrNoFees
		}

		amount := p.TotalFeesCollected
		if err := tx.SetFeesCollected(ctx, money.Zero()); err != nil {
			return err
		}
		if err := tx.RecordPayout(ctx, Payout{
			Payee:     caller,
			Amount:    amount,
			Fee:       money.Zero(),
			Kind:      PayoutFeeWithdrawal,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return err
		}

		settlement := &Settlement{Payee: caller, Payout: amount, Fee: money.Zero()}
		res.Settlement = settlement
		if err := s.emit(ctx, tx, &res, EventFeesWithdrawn, caller, map[string]any{
			"amount": amount,
		}); err != nil {
			return err
		}
		return s.pay(ctx, settlement)
	})
	return s.finish(span, "withdraw_fees", res, err)
}

// GetAgreement returns the agreement as last committed.
func (s *Service) GetAgreement(ctx context.Context, id int64) (Agreement, error) {
	return s.store.GetAgreement(ctx, id)
}

// IsClientAtRisk reports whether one more scope change fires the client.
func (s *Service) IsClientAtRisk(ctx context.Context, id int64) (Risk, error) {
	a, err := s.store.GetAgreement(ctx, id)
	if err != nil {
		return Risk{}, err
	}
	return RiskOf(a), nil
}

func (s *Service) Stats(ctx context.Context, id int64) (Stats, error) {
	a, err := s.store.GetAgreement(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return StatsOf(a), nil
}

func (s *Service) ListAgreements(ctx context.Context, filter ListFilter) ([]Agreement, error) {
	return s.store.ListAgreements(ctx, filter)
}

func (s *Service) Events(ctx context.Context, id int64) ([]Event, error) {
	return s.store.Events(ctx, id)
}

// TotalFeesCollected returns the fee balance withdrawable by the owner.
func (s *Service) TotalFeesCollected(ctx context.Context) (money.Amount, error) {
	p, err := s.store.Platform(ctx)
	if err != nil {
		return money.Amount{}, err
	}
	return p.TotalFeesCollected, nil
}

func (s *Service) Summary(ctx context.Context) (Summary, error) {
	p, err := s.store.Platform(ctx)
	if err != nil {
		return Summary{}, err
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Summary{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return Summary{
		Owner:              p.Owner,
		Total:              total,
		ByStatus:           counts,
		TotalFeesCollected: p.TotalFeesCollected,
	}, nil
}

// fire moves a to client_fired, settles custody and pays the freelancer.
// actor is empty when the firing is automatic.
func (s *Service) fire(ctx context.Context, tx Tx, res *Result, a Agreement, actor Identity, reason string) error {
	settlement, err := s.settle(ctx, tx, &a, StatusClientFired, PayoutClientFired)
	if err != nil {
		return err
	}
	res.Agreement = a
	res.Settlement = settlement

	if err := s.emit(ctx, tx, res, EventClientFired, actor, map[string]any{
		"reason": reason,
		"payout": settlement.Payout,
		"fee":    settlement.Fee,
	}); err != nil {
		return err
	}
	return s.pay(ctx, settlement)
}

// settle applies a terminal transition: the agreement row, the fee balance
// and the payout record. The transfer itself is left to pay so it runs after
// every store write of the transaction.
func (s *Service) settle(ctx context.Context, tx Tx, a *Agreement, next Status, kind PayoutKind) (*Settlement, error) {
	payout, fee := SplitPayout(a.CurrentAmount)
	now := s.now().UTC()

	a.Status = next
	a.UpdatedAt = now
	if err := tx.UpdateAgreement(ctx, *a); err != nil {
		return nil, err
	}

	p, err := tx.LockPlatform(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.SetFeesCollected(ctx, p.TotalFeesCollected.Add(fee)); err != nil {
		return nil, err
	}
	if err := tx.RecordPayout(ctx, Payout{
		AgreementID: a.ID,
		Payee:       a.Freelancer,
		Amount:      payout,
		Fee:         fee,
		Kind:        kind,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	return &Settlement{Payee: a.Freelancer, Payout: payout, Fee: fee}, nil
}

func (s *Service) pay(ctx context.Context, settlement *Settlement) error {
	if err := s.transfer.Transfer(ctx, settlement.Payee, settlement.Payout); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx Tx, res *Result, typ EventType, actor Identity, payload map[string]any) error {
	e, err := tx.AppendEvent(ctx, Event{
		AgreementID: res.Agreement.ID,
		Type:        typ,
		Actor:       actor,
		Payload:     payload,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return err
	}
	res.Events = append(res.Events, e)
	return nil
}

func (s *Service) withTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit tx: %w", err)
	}
	return nil
}

func (s *Service) finish(span trace.Span, op string, res Result, err error) (Result, error) {
	if s.observer != nil {
		s.observer.Observe(op, res, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
		level := slog.LevelWarn
		if IsRejection(err) {
			level = slog.LevelDebug
		} else if errors.Is(err, ErrTransferFailed) {
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, "ledger operation rejected",
			slog.String("op", op),
			slog.String("reason", Reason(err)),
			slog.Any("err", err),
		)
		return Result{}, err
	}

	span.SetAttributes(attribute.Int64("agreement.id", res.Agreement.ID), attribute.Int("agreement.events", len(res.Events)))
	attrs := []any{
		slog.String("op", op),
		slog.Int64("agreement_id", res.Agreement.ID),
		slog.String("status", string(res.Agreement.Status)),
	}
	if res.Settlement != nil {
		attrs = append(attrs,
			slog.String("payee", string(res.Settlement.Payee)),
			slog.String("payout", res.Settlement.Payout.Format()),
			slog.String("fee", res.Settlement.Fee.Format()),
		)
	}
	s.logger.Info("ledger operation applied", attrs...)
	return res, nil
}

func startSpan(ctx context.Context, name string, id int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("agreement.id", id)))
}

func requireActive(a Agreement) error {
	if a.Status != StatusActive {
		return fmt.Errorf("%w: agreement %d is %s", ErrNotActive, a.ID, a.Status)
	}
	return nil
}
