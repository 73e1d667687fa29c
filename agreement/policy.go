package agreement

import "scopeledger/money"

const (
	// PlatformFeeBasisPoints is deducted from every payout to the freelancer.
	PlatformFeeBasisPoints = 250
	// ScopeChangeFeeBasisPoints is charged per scope change, always against the original amount.
	ScopeChangeFeeBasisPoints = 2000
	// MaxScopeChanges is the count at which the client is fired automatically.
	MaxScopeChanges = 3

	ScopeChangeWarning = "WARNING: One more scope change and client will be fired!"
	AutoFireReason     = "Exceeded maximum scope changes"
)

// SplitPayout divides custody into the freelancer payout and the platform fee.
// payout + fee always equals current.
func SplitPayout(current money.Amount) (payout, fee money.Amount) {
	fee = current.MulBasisPoints(PlatformFeeBasisPoints)
	return current.Sub(fee), fee
}

// ScopeChangeCharge is the surcharge for one scope change. It does not compound.
func ScopeChangeCharge(a Agreement) money.Amount {
	return a.OriginalAmount.MulBasisPoints(ScopeChangeFeeBasisPoints)
}

// RiskOf reports how close the client is to being fired.
func RiskOf(a Agreement) Risk {
	remaining := MaxScopeChanges - a.ScopeChanges
	if remaining < 0 {
		remaining = 0
	}
	return Risk{
		AtRisk:    a.ScopeChanges >= MaxScopeChanges-1,
		Changes:   a.ScopeChanges,
		Remaining: remaining,
	}
}

// HealthScore rates an agreement from 0 to 100: each scope change costs 15
// points and a fired client costs 30 more.
func HealthScore(a Agreement) int {
	score := 100 - 15*a.ScopeChanges
	if a.Status == StatusClientFired {
		score -= 30
	}
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// StatsOf builds the reporting view of a.
func StatsOf(a Agreement) Stats {
	risk := RiskOf(a)
	return Stats{
		AgreementID:    a.ID,
		Status:         a.Status,
		OriginalAmount: a.OriginalAmount,
		CurrentAmount:  a.CurrentAmount,
		AdditionalCost: a.CurrentAmount.Sub(a.OriginalAmount),
		ScopeChanges:   a.ScopeChanges,
		Remaining:      risk.Remaining,
		AtRisk:         risk.AtRisk,
		HealthScore:    HealthScore(a),
	}
}
