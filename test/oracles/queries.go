package oracles

import (
	"context"
	"fmt"

	"disputeflow/dispute"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists the row-level invariants of the dispute schema. Each query
// returns offending rows; an empty result passes.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_vote_count_matches_records",
			SQL: `SELECT d.dispute_index, d.vote_count, COUNT(a.address) FILTER (WHERE a.voted) AS voted
                  FROM disputes d
                  LEFT JOIN dispute_arbiters a ON a.dispute_index = d.dispute_index
                  GROUP BY d.dispute_index, d.vote_count
                  HAVING d.vote_count <> COUNT(a.address) FILTER (WHERE a.voted)`,
		},
		{
			Name: "O2_closed_has_winner_and_value",
			SQL: `SELECT dispute_index, state, winner, token_value FROM disputes
                  WHERE (state = 'closed' AND (winner = 'unset' OR token_value IS NULL))
                     OR (state <> 'closed' AND winner <> 'unset')`,
		},
		{
			Name: "O3_claimed_only_when_closed",
			SQL:  `SELECT dispute_index, state FROM disputes WHERE claimed AND state <> 'closed'`,
		},
		{
			Name: "O4_single_payout_event",
			SQL: `SELECT d.dispute_index, d.claimed, COUNT(e.id) AS payouts
                  FROM disputes d
                  LEFT JOIN dispute_events e ON e.dispute_index = d.dispute_index AND e.topic = 'dispute.funds_claimed'
                  GROUP BY d.dispute_index, d.claimed
                  HAVING COUNT(e.id) <> CASE WHEN d.claimed THEN 1 ELSE 0 END`,
		},
		{
			Name: "O5_terminal_state_frozen",
			SQL: `SELECT e.dispute_index, e.topic, e.seq FROM dispute_events e
                  JOIN dispute_events t ON t.dispute_index = e.dispute_index
                   AND t.topic IN ('dispute.finalized', 'dispute.cancelled')
                   AND t.seq < e.seq
                  WHERE e.topic IN ('dispute.vote_cast', 'dispute.finalized', 'dispute.cancelled')`,
		},
		{
			Name: "O6_event_outbox_parity",
			SQL: `SELECT 'events' AS source, COUNT(*) FROM dispute_events
                  HAVING COUNT(*) <> (SELECT COUNT(*) FROM outbox WHERE topic LIKE 'dispute.%')`,
		},
		{
			Name: "O7_no_negative_balance",
			SQL:  `SELECT account, balance FROM escrow_balances WHERE balance < 0`,
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
	}
	return "", "", nil
}

// RunLedger checks the same invariants through the ledger's read side, so
// they hold for every store backend.
func RunLedger(ctx context.Context, ledger *dispute.Ledger) (string, string, error) {
	all, err := ledger.All(ctx)
	if err != nil {
		return "", "", fmt.Errorf("oracle ledger: %w", err)
	}
	for _, d := range all {
		if voted := d.Arbiters.Voted(); d.VoteCount != voted {
			return "L1_vote_count_matches_records", fmt.Sprintf("dispute=%d vote_count=%d voted=%d", d.Index, d.VoteCount, voted), nil
		}
		if (d.State == dispute.StateClosed) != (d.Winner != dispute.SideUnset) {
			return "L2_closed_has_winner", fmt.Sprintf("dispute=%d state=%s winner=%s", d.Index, d.State, d.Winner), nil
		}
		if d.Claimed && d.State != dispute.StateClosed {
			return "L3_claimed_only_when_closed", fmt.Sprintf("dispute=%d state=%s", d.Index, d.State), nil
		}

		events, err := ledger.Events(ctx, d.Index)
		if err != nil {
			return "", "", fmt.Errorf("oracle ledger events %d: %w", d.Index, err)
		}
		payouts, terminal := 0, false
		for _, e := range events {
			switch e.Topic {
			case dispute.TopicFundsClaimed:
				payouts++
			case dispute.TopicVoteCast, dispute.TopicFinalized, dispute.TopicCancelled:
				if terminal {
					return "L5_terminal_state_frozen", fmt.Sprintf("dispute=%d topic=%s after close", d.Index, e.Topic), nil
				}
				if e.Topic != dispute.TopicVoteCast {
					terminal = true
				}
			}
		}
		want := 0
		if d.Claimed {
			want = 1
		}
		if payouts != want {
			return "L4_single_payout_event", fmt.Sprintf("dispute=%d claimed=%v payouts=%d", d.Index, d.Claimed, payouts), nil
		}
	}
	return "", "", nil
}
