package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"scopeledger/agreement"
	"scopeledger/money"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Drive the scope-change agreement ledger",
		Long:          `ledgerctl creates, funds and settles freelance agreements, enforcing the scope-change surcharge and the three-strike client firing rule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&a.databaseURL, "database-url", "", "Postgres connection string (overrides config and DATABASE_URL)")
	root.PersistentFlags().StringVar(&a.as, "as", "", "identity of the caller")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newMigrateCmd(a),
		newCreateCmd(a),
		newDepositCmd(a),
		newChargeCmd(a),
		newScopeChangeCmd(a),
		newFireCmd(a),
		newCompleteCmd(a),
		newCancelCmd(a),
		newAmendScopeCmd(a),
		newWithdrawFeesCmd(a),
		newShowCmd(a),
		newRiskCmd(a),
		newStatsCmd(a),
		newEventsCmd(a),
		newListCmd(a),
		newSummaryCmd(a),
		newFeesCmd(a),
		newDemoCmd(a),
	)
	return root
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid agreement id %q", arg)
	}
	return id, nil
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "migrations applied")
			return nil
		},
	}
}

func newCreateCmd(a *app) *cobra.Command {
	var client, amount, scope string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agreement with the caller as freelancer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			amt, err := money.Parse(amount)
			if err != nil {
				return err
			}
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				res, err := svc.CreateAgreement(cmd.Context(), caller, agreement.Identity(client), amt, scope)
				if err != nil {
					return err
				}
				return a.printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client identity")
	cmd.Flags().StringVar(&amount, "amount", "", "agreement amount in display units")
	cmd.Flags().StringVar(&scope, "scope", "", "scope of work")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newDepositCmd(a *app) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "deposit [id]",
		Short: "Deposit the agreement amount into custody (client only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				amt, err := amountOr(amount, func() (money.Amount, error) {
					ag, err := svc.GetAgreement(cmd.Context(), id)
					return ag.CurrentAmount, err
				})
				if err != nil {
					return err
				}
				res, err := svc.DepositFunds(cmd.Context(), id, caller, amt)
				if err != nil {
					return err
				}
				return a.printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to deposit; defaults to the amount owed")
	return cmd
}

func newChargeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "charge [id]",
		Short: "Show the surcharge for the next scope change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				charge, err := svc.ScopeChangeCharge(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(map[string]string{"charge": charge.Format()}, "scope change charge: %s\n", charge.Format())
			})
		},
	}
}

func newScopeChangeCmd(a *app) *cobra.Command {
	var payment string
	cmd := &cobra.Command{
		Use:   "scope-change [id]",
		Short: "Pay for a scope change (client only); the third one fires the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				amt, err := amountOr(payment, func() (money.Amount, error) {
					return svc.ScopeChangeCharge(cmd.Context(), id)
				})
				if err != nil {
					return err
				}
				res, err := svc.RequestScopeChange(cmd.Context(), id, caller, amt)
				if err != nil {
					return err
				}
				return a.printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&payment, "payment", "", "surcharge payment; defaults to the current charge")
	return cmd
}

func newFireCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fire [id]",
		Short: "Fire the client after at least one scope change (freelancer only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, args, func(svc *agreement.Service, id int64, caller agreement.Identity) (agreement.Result, error) {
				return svc.FireClient(cmd.Context(), id, caller, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	return cmd
}

func newCompleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete [id]",
		Short: "Complete the agreement and pay the freelancer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, args, func(svc *agreement.Service, id int64, caller agreement.Identity) (agreement.Result, error) {
				return svc.CompleteAgreement(cmd.Context(), id, caller)
			})
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an agreement that has not been funded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, args, func(svc *agreement.Service, id int64, caller agreement.Identity) (agreement.Result, error) {
				return svc.CancelAgreement(cmd.Context(), id, caller)
			})
		},
	}
}

func newAmendScopeCmd(a *app) *cobra.Command {
	var addition string
	cmd := &cobra.Command{
		Use:   "amend-scope [id]",
		Short: "Append approved additional work to the scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.mutate(cmd, args, func(svc *agreement.Service, id int64, caller agreement.Identity) (agreement.Result, error) {
				return svc.AmendScope(cmd.Context(), id, caller, addition)
			})
		},
	}
	cmd.Flags().StringVar(&addition, "addition", "", "additional work description")
	_ = cmd.MarkFlagRequired("addition")
	return cmd
}

func newWithdrawFeesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw-fees",
		Short: "Withdraw collected platform fees (owner only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				res, err := svc.WithdrawFees(cmd.Context(), caller)
				if err != nil {
					return err
				}
				return a.printResult(res)
			})
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.read(cmd, args, func(svc *agreement.Service, id int64) error {
				ag, err := svc.GetAgreement(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.printAgreement(ag)
			})
		},
	}
}

func newRiskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "risk [id]",
		Short: "Report whether one more scope change fires the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.read(cmd, args, func(svc *agreement.Service, id int64) error {
				risk, err := svc.IsClientAtRisk(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(risk, "at risk: %t, changes: %d, remaining: %d\n", risk.AtRisk, risk.Changes, risk.Remaining)
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [id]",
		Short: "Show scope-change statistics and the health score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.read(cmd, args, func(svc *agreement.Service, id int64) error {
				st, err := svc.Stats(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.printStats(st)
			})
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "events [id]",
		Short: "List the events of an agreement; id 0 lists platform events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.read(cmd, args, func(svc *agreement.Service, id int64) error {
				events, err := svc.Events(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.printEvents(events)
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		party  string
		status string
		after  int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := agreement.Status(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				list, err := svc.ListAgreements(cmd.Context(), agreement.ListFilter{
					Party:   agreement.Identity(party),
					Status:  st,
					AfterID: after,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				return a.printList(list)
			})
		},
	}
	cmd.Flags().StringVar(&party, "party", "", "only agreements where this identity is client or freelancer")
	cmd.Flags().StringVar(&status, "status", "", "only agreements in this status")
	cmd.Flags().Int64Var(&after, "after", 0, "only agreements with a greater id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of agreements")
	return cmd
}

func newSummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Summarise the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				sum, err := svc.Summary(cmd.Context())
				if err != nil {
					return err
				}
				return a.printSummary(sum)
			})
		},
	}
}

func newFeesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fees",
		Short: "Show platform fees awaiting withdrawal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
				fees, err := svc.TotalFeesCollected(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(map[string]string{"total_fees_collected": fees.Format()}, "total fees collected: %s\n", fees.Format())
			})
		},
	}
}

// mutate runs a caller-scoped operation on the agreement named by args[0].
func (a *app) mutate(cmd *cobra.Command, args []string, op func(svc *agreement.Service, id int64, caller agreement.Identity) (agreement.Result, error)) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	caller, err := a.caller()
	if err != nil {
		return err
	}
	return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
		res, err := op(svc, id, caller)
		if err != nil {
			return err
		}
		return a.printResult(res)
	})
}

func (a *app) read(cmd *cobra.Command, args []string, fn func(svc *agreement.Service, id int64) error) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return a.withLedger(cmd.Context(), func(svc *agreement.Service) error {
		return fn(svc, id)
	})
}

func amountOr(flag string, fallback func() (money.Amount, error)) (money.Amount, error) {
	if flag != "" {
		return money.Parse(flag)
	}
	return fallback()
}
