package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"scopeledger/agreement"
	"scopeledger/money"
)

var funcs = template.FuncMap{"amount": formatAmount}

var alertTemplates = map[agreement.EventType]*template.Template{
	agreement.EventScopeChangeAlert: template.Must(template.New("alert").Funcs(funcs).Parse(
		`Agreement #{{.AgreementID}}: {{index .Payload "message"}} ({{index .Payload "count"}} scope changes so far)`)),
	agreement.EventClientFired: template.Must(template.New("fired").Funcs(funcs).Parse(
		`Agreement #{{.AgreementID}}: client fired ({{index .Payload "reason"}}). Freelancer paid {{amount (index .Payload "payout")}}, platform fee {{amount (index .Payload "fee")}}.`)),
	agreement.EventAgreementCompleted: template.Must(template.New("completed").Funcs(funcs).Parse(
		`Agreement #{{.AgreementID}} completed. Freelancer paid {{amount (index .Payload "payout")}}, platform fee {{amount (index .Payload "fee")}}.`)),
	agreement.EventAgreementCancelled: template.Must(template.New("cancelled").Funcs(funcs).Parse(
		`Agreement #{{.AgreementID}} cancelled by {{index .Payload "cancelled_by"}}.`)),
}

// AlertSubscriber renders a short text alert for the events parties care
// about and writes it to the log.
type AlertSubscriber struct {
	logger *slog.Logger
}

func NewAlertSubscriber(logger *slog.Logger) *AlertSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertSubscriber{logger: logger}
}

func (a *AlertSubscriber) Name() string { return "alerts" }

func (a *AlertSubscriber) Handle(_ context.Context, e agreement.Event) error {
	text, ok, err := RenderAlert(e)
	if err != nil || !ok {
		return err
	}
	a.logger.Info("alert",
		slog.Int64("agreement_id", e.AgreementID),
		slog.String("type", string(e.Type)),
		slog.String("text", text),
	)
	return nil
}

// RenderAlert returns the alert text for e. ok is false for events that do
// not produce an alert.
func RenderAlert(e agreement.Event) (text string, ok bool, err error) {
	tmpl, found := alertTemplates[e.Type]
	if !found {
		return "", false, nil
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, e); err != nil {
		return "", false, fmt.Errorf("notify: render %s: %w", e.Type, err)
	}
	return buf.String(), true, nil
}

// formatAmount renders a payload amount, which is a base-unit string once it
// has been through the outbox, in display units.
func formatAmount(v any) string {
	switch x := v.(type) {
	case money.Amount:
		return x.Format()
	case string:
		if a, err := money.ParseBase(x); err == nil {
			return a.Format()
		}
		return x
	default:
		return fmt.Sprint(v)
	}
}
