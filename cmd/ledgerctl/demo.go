package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"scopeledger/agreement"
	"scopeledger/money"
	"scopeledger/notify"
	"scopeledger/payout"
)

const (
	demoOwner      agreement.Identity = "0xplatform"
	demoFreelancer agreement.Identity = "0xfreelancer"
	demoClient     agreement.Identity = "0xclient"
)

// newDemoCmd walks a client through three scope changes on an in-memory
// ledger and prints the resulting alerts and payouts.
func newDemoCmd(a *app) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the scope-creep scenario against an in-memory ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			amt, err := money.Parse(amount)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(a.out, &slog.HandlerOptions{Level: slog.LevelWarn}))
			store := agreement.NewMemoryStore()
			book := payout.NewBook()
			svc, err := agreement.Open(ctx, store, book, demoOwner)
			if err != nil {
				return err
			}
			svc.WithLogger(logger)

			res, err := svc.CreateAgreement(ctx, demoFreelancer, demoClient, amt, "Build a marketing site")
			if err != nil {
				return err
			}
			id := res.Agreement.ID
			if err := a.printResult(res); err != nil {
				return err
			}

			if res, err = svc.DepositFunds(ctx, id, demoClient, amt); err != nil {
				return err
			}
			if err := a.printResult(res); err != nil {
				return err
			}

			for i := 0; i < agreement.MaxScopeChanges; i++ {
				charge, err := svc.ScopeChangeCharge(ctx, id)
				if err != nil {
					return err
				}
				if res, err = svc.RequestScopeChange(ctx, id, demoClient, charge); err != nil {
					return err
				}
				if err := a.printResult(res); err != nil {
					return err
				}
			}

			if res, err = svc.WithdrawFees(ctx, demoOwner); err != nil {
				return err
			}
			if err := a.printResult(res); err != nil {
				return err
			}

			alerts := notify.NewAlertSubscriber(slog.New(slog.NewTextHandler(a.out, nil)))
			if _, err := notify.NewDispatcher(store, notify.Config{}, logger, alerts).Drain(ctx); err != nil {
				return err
			}

			fmt.Fprintf(a.out, "freelancer balance: %s\n", book.Balance(demoFreelancer).Format())
			fmt.Fprintf(a.out, "owner balance: %s\n", book.Balance(demoOwner).Format())
			return nil
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "1", "agreement amount in display units")
	return cmd
}
