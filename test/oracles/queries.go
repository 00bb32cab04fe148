package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is an invariant expressed as a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_resolution",
			SQL:  `SELECT id FROM agreements WHERE withdrawn AND refunded`,
		},
		{
			Name: "O2_refund_closes_review",
			SQL:  `SELECT id FROM agreements WHERE refunded AND NOT reviewed`,
		},
		{
			Name: "O3_custody_conservation",
			SQL: `WITH expected AS (
                      SELECT COALESCE(SUM(paid), 0)
                           - COALESCE(SUM(price) FILTER (WHERE withdrawn OR refunded), 0) AS amount
                      FROM agreements),
                  actual AS (
                      SELECT COALESCE((SELECT balance FROM wallet_balances WHERE owner = 'escrow:custody'), 0) AS amount)
                  SELECT e.amount AS expected, a.amount AS actual
                  FROM expected e, actual a
                  WHERE e.amount <> a.amount`,
		},
		{
			Name: "O4_one_payout_per_resolution",
			SQL: `SELECT a.id, COUNT(e.id) AS payouts
                  FROM agreements a
                  LEFT JOIN wallet_entries e ON e.reference = a.id::text AND e.reason = 'payout'
                  GROUP BY a.id, a.withdrawn, a.refunded
                  HAVING COUNT(e.id) <> CASE WHEN a.withdrawn OR a.refunded THEN 1 ELSE 0 END`,
		},
		{
			Name: "O5_payout_recipient",
			SQL: `SELECT a.id, e.to_owner, e.amount
                  FROM agreements a
                  JOIN wallet_entries e ON e.reference = a.id::text AND e.reason = 'payout'
                  WHERE e.to_owner <> CASE WHEN a.withdrawn THEN a.seller ELSE a.buyer END
                     OR e.amount <> a.price`,
		},
		{
			Name: "O6_deposit_matches_paid",
			SQL: `SELECT a.id, COUNT(e.id) AS deposits
                  FROM agreements a
                  LEFT JOIN wallet_entries e ON e.reference = a.id::text AND e.reason = 'deposit'
                  GROUP BY a.id, a.paid, a.buyer
                  HAVING COUNT(e.id) <> 1 OR MAX(e.amount) <> a.paid OR MAX(e.from_owner) <> a.buyer`,
		},
		{
			Name: "O7_reputation_ledger",
			SQL: `WITH reviews AS (
                      SELECT payload->>'seller' AS seller,
                             SUM(CASE WHEN (payload->>'positive')::boolean THEN 1 ELSE -1 END) AS delta
                      FROM outbox WHERE topic = 'agreement.reviewed'
                      GROUP BY 1),
                  refunds AS (
                      SELECT seller, -COUNT(*) AS delta FROM agreements WHERE refunded GROUP BY seller)
                  SELECT l.seller, l.reputation
                  FROM listings l
                  LEFT JOIN reviews rv ON rv.seller = l.seller
                  LEFT JOIN refunds rf ON rf.seller = l.seller
                  WHERE l.reputation <> COALESCE(rv.delta, 0) + COALESCE(rf.delta, 0)`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_agreement_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (
                      SELECT 1 FROM pg_trigger
                      WHERE tgname = 'no_delete_agreements' AND tgrelid = to_regclass('agreements'))`,
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
