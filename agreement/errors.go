package agreement

import (
	"errors"
)

var (
	// ErrAgreementNotFound is returned when no agreement row exists for the provided identifier.
	ErrAgreementNotFound = errors.New("agreement: not found")
	ErrInvalidClient     = errors.New("agreement: invalid client identity")
	ErrSelfDealing       = errors.New("agreement: client cannot be freelancer")
	ErrInvalidAmount     = errors.New("agreement: amount must be greater than zero")
	ErrEmptyScope        = errors.New("agreement: scope cannot be empty")
	// ErrUnauthorized is wrapped with the role the caller was expected to hold.
	ErrUnauthorized     = errors.New("agreement: caller not authorized")
	ErrNotActive        = errors.New("agreement: not active")
	ErrNotFunded        = errors.New("agreement: funds not deposited")
	ErrAlreadyFunded    = errors.New("agreement: funds already deposited")
	ErrIncorrectPayment = errors.New("agreement: incorrect payment amount")
	ErrNoScopeChanges   = errors.New("agreement: no scope changes to justify firing")
	ErrNoFees           = errors.New("agreement: no fees to withdraw")
	// ErrOwnerMismatch signals the store was initialised for a different platform owner.
	ErrOwnerMismatch = errors.New("agreement: platform owner mismatch")
	// ErrTransferFailed wraps the error of a failed payout; the operation was rolled back.
	ErrTransferFailed = errors.New("agreement: transfer failed")
)

var rejections = []error{
	ErrAgreementNotFound,
	ErrInvalidClient,
	ErrSelfDealing,
	ErrInvalidAmount,
	ErrEmptyScope,
	ErrUnauthorized,
	ErrNotActive,
	ErrNotFunded,
	ErrAlreadyFunded,
	ErrIncorrectPayment,
	ErrNoScopeChanges,
	ErrNoFees,
}

// IsRejection reports whether err is a precondition failure caused by the
// caller's input, as opposed to an infrastructure or transfer failure.
func IsRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reason returns a short label for err suitable for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAgreementNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client"
	case errors.Is(err, ErrSelfDealing):
		return "self_dealing"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrEmptyScope):
		return "empty_scope"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrNotFunded):
		return "not_funded"
	case errors.Is(err, ErrAlreadyFunded):
		return "already_funded"
	case errors.Is(err, ErrIncorrectPayment):
		return "incorrect_payment"
	case errors.Is(err, ErrNoScopeChanges):
		return "no_scope_changes"
	case errors.Is(err, ErrNoFees):
		return "no_fees"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	default:
		return "internal"
	}
}
