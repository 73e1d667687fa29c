package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the ledger invariants as queries that yield rows only when violated.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_payout_plus_fee_is_custody",
			SQL: `SELECT a.id, a.current_amount, p.amount, p.fee FROM payouts p
                  JOIN agreements a ON a.id = p.agreement_id
                  WHERE p.amount + p.fee <> a.current_amount`,
		},
		{
			Name: "O2_fee_is_floor_250bp",
			SQL: `SELECT a.id, a.current_amount, p.fee FROM payouts p
                  JOIN agreements a ON a.id = p.agreement_id
                  WHERE p.fee <> div(a.current_amount * 250, 10000)`,
		},
		{
			Name: "O3_scope_change_cap",
			SQL: `SELECT id, scope_changes, status FROM agreements
                  WHERE scope_changes > 3 OR (scope_changes = 3 AND status <> 'client_fired')`,
		},
		{
			Name: "O4_surcharge_non_compounding",
			SQL: `SELECT id, original_amount, current_amount, scope_changes FROM agreements
                  WHERE current_amount <> original_amount + scope_changes * div(original_amount * 2000, 10000)`,
		},
		{
			Name: "O5_terminal_paid_exactly_once",
			SQL: `SELECT a.id, a.status, COUNT(p.id) FROM agreements a
                  LEFT JOIN payouts p ON p.agreement_id = a.id
                  GROUP BY a.id, a.status
                  HAVING (a.status IN ('completed','client_fired') AND COUNT(p.id) <> 1)
                      OR (a.status IN ('active','cancelled') AND COUNT(p.id) <> 0)`,
		},
		{
			Name: "O6_fee_conservation",
			SQL: `WITH collected AS (
                      SELECT COALESCE(SUM(fee), 0) AS total FROM payouts WHERE agreement_id IS NOT NULL),
                  withdrawn AS (
                      SELECT COALESCE(SUM(amount), 0) AS total FROM payouts WHERE kind = 'fee_withdrawal')
                  SELECT l.total_fees_collected, c.total, w.total
                  FROM platform_ledger l, collected c, withdrawn w
                  WHERE l.total_fees_collected + w.total <> c.total OR l.total_fees_collected < 0`,
		},
		{
			Name: "O7_funding_consistency",
			SQL: `SELECT id, status, funds_deposited, scope_changes FROM agreements
                  WHERE (status = 'cancelled' AND funds_deposited)
                     OR (status IN ('completed','client_fired') AND NOT funds_deposited)
                     OR (scope_changes > 0 AND NOT funds_deposited)`,
		},
		{
			Name: "O8_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq, created_at,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY created_at, seq) AS prev
                      FROM agreement_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O9_terminal_event_recorded",
			SQL: `SELECT a.id, a.status FROM agreements a
                  WHERE a.status <> 'active' AND NOT EXISTS (
                      SELECT 1 FROM agreement_events e
                      WHERE e.agreement_id = a.id
                        AND e.type = CASE a.status
                            WHEN 'completed' THEN 'AGREEMENT_COMPLETED'
                            WHEN 'client_fired' THEN 'CLIENT_FIRED'
                            ELSE 'AGREEMENT_CANCELLED' END)`,
		},
		{
			Name: "O10_outbox_parity",
			SQL: `SELECT e.n AS events, o.n AS outbox
                  FROM (SELECT COUNT(*) AS n FROM agreement_events) e,
                       (SELECT COUNT(*) AS n FROM outbox) o
                  WHERE e.n <> o.n`,
		},
		{
			Name: "O11_agreement_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='agreements_no_delete')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
