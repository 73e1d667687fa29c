package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"scopeledger/agreement"
)

type agreementView struct {
	ID             int64     `json:"id"`
	Freelancer     string    `json:"freelancer"`
	Client         string    `json:"client"`
	OriginalAmount string    `json:"original_amount"`
	CurrentAmount  string    `json:"current_amount"`
	Scope          string    `json:"scope"`
	ScopeChanges   int       `json:"scope_changes"`
	FundsDeposited bool      `json:"funds_deposited"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type settlementView struct {
	Payee  string `json:"payee"`
	Payout string `json:"payout"`
	Fee    string `json:"fee"`
}

type resultView struct {
	Agreement  *agreementView    `json:"agreement,omitempty"`
	Events     []agreement.Event `json:"events"`
	Settlement *settlementView   `json:"settlement,omitempty"`
}

func viewOf(a agreement.Agreement) agreementView {
	return agreementView{
		ID:             a.ID,
		Freelancer:     string(a.Freelancer),
		Client:         string(a.Client),
		OriginalAmount: a.OriginalAmount.Format(),
		CurrentAmount:  a.CurrentAmount.Format(),
		Scope:          a.Scope,
		ScopeChanges:   a.ScopeChanges,
		FundsDeposited: a.FundsDeposited,
		Status:         string(a.Status),
		UpdatedAt:      a.UpdatedAt,
	}
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// print writes v as JSON under --json, otherwise the formatted text.
func (a *app) print(v any, format string, args ...any) error {
	if a.jsonOut {
		return a.writeJSON(v)
	}
	_, err := fmt.Fprintf(a.out, format, args...)
	return err
}

func (a *app) printResult(res agreement.Result) error {
	view := resultView{Events: res.Events}
	if res.Agreement.ID != 0 {
		av := viewOf(res.Agreement)
		view.Agreement = &av
	}
	if s := res.Settlement; s != nil {
		view.Settlement = &settlementView{Payee: string(s.Payee), Payout: s.Payout.Format(), Fee: s.Fee.Format()}
	}
	if a.jsonOut {
		return a.writeJSON(view)
	}

	if view.Agreement != nil {
		fmt.Fprintf(a.out, "agreement #%d: %s (scope changes %d, current amount %s)\n",
			view.Agreement.ID, view.Agreement.Status, view.Agreement.ScopeChanges, view.Agreement.CurrentAmount)
	}
	for _, e := range res.Events {
		fmt.Fprintf(a.out, "  event %d %s\n", e.Seq, e.Type)
		if msg, ok := e.Payload["message"]; ok {
			fmt.Fprintf(a.out, "    %v\n", msg)
		}
	}
	if s := view.Settlement; s != nil {
		fmt.Fprintf(a.out, "  paid %s to %s, platform fee %s\n", s.Payout, s.Payee, s.Fee)
	}
	return nil
}

func (a *app) printAgreement(ag agreement.Agreement) error {
	v := viewOf(ag)
	if a.jsonOut {
		return a.writeJSON(v)
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%d\n", v.ID)
	fmt.Fprintf(w, "status\t%s\n", v.Status)
	fmt.Fprintf(w, "freelancer\t%s\n", v.Freelancer)
	fmt.Fprintf(w, "client\t%s\n", v.Client)
	fmt.Fprintf(w, "original amount\t%s\n", v.OriginalAmount)
	fmt.Fprintf(w, "current amount\t%s\n", v.CurrentAmount)
	fmt.Fprintf(w, "scope changes\t%d\n", v.ScopeChanges)
	fmt.Fprintf(w, "funds deposited\t%t\n", v.FundsDeposited)
	fmt.Fprintf(w, "scope\t%q\n", v.Scope)
	return w.Flush()
}

func (a *app) printStats(st agreement.Stats) error {
	if a.jsonOut {
		return a.writeJSON(map[string]any{
			"agreement_id":    st.AgreementID,
			"status":          st.Status,
			"original_amount": st.OriginalAmount.Format(),
			"current_amount":  st.CurrentAmount.Format(),
			"additional_cost": st.AdditionalCost.Format(),
			"scope_changes":   st.ScopeChanges,
			"remaining":       st.Remaining,
			"at_risk":         st.AtRisk,
			"health_score":    st.HealthScore,
		})
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "agreement\t#%d (%s)\n", st.AgreementID, st.Status)
	fmt.Fprintf(w, "original amount\t%s\n", st.OriginalAmount.Format())
	fmt.Fprintf(w, "current amount\t%s\n", st.CurrentAmount.Format())
	fmt.Fprintf(w, "additional cost\t%s\n", st.AdditionalCost.Format())
	fmt.Fprintf(w, "scope changes\t%d (%d remaining)\n", st.ScopeChanges, st.Remaining)
	fmt.Fprintf(w, "at risk\t%t\n", st.AtRisk)
	fmt.Fprintf(w, "health score\t%d\n", st.HealthScore)
	return w.Flush()
}

func (a *app) printEvents(events []agreement.Event) error {
	if a.jsonOut {
		return a.writeJSON(events)
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tACTOR\tAT")
	for _, e := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Seq, e.Type, e.Actor, e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (a *app) printList(list []agreement.Agreement) error {
	if a.jsonOut {
		views := make([]agreementView, len(list))
		for i, ag := range list {
			views[i] = viewOf(ag)
		}
		return a.writeJSON(views)
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFREELANCER\tCLIENT\tCURRENT\tCHANGES")
	for _, ag := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n", ag.ID, ag.Status, ag.Freelancer, ag.Client, ag.CurrentAmount.Format(), ag.ScopeChanges)
	}
	return w.Flush()
}

func (a *app) printSummary(sum agreement.Summary) error {
	if a.jsonOut {
		return a.writeJSON(map[string]any{
			"owner":                sum.Owner,
			"total":                sum.Total,
			"by_status":            sum.ByStatus,
			"total_fees_collected": sum.TotalFeesCollected.Format(),
		})
	}
	statuses := make([]string, 0, len(sum.ByStatus))
	for st := range sum.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "owner\t%s\n", sum.Owner)
	fmt.Fprintf(w, "agreements\t%d\n", sum.Total)
	for _, st := range statuses {
		fmt.Fprintf(w, "  %s\t%d\n", st, sum.ByStatus[agreement.Status(st)])
	}
	fmt.Fprintf(w, "fees collected\t%s\n", sum.TotalFeesCollected.Format())
	return w.Flush()
}
