package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"disputeflow/arbiter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists disputes in PostgreSQL. Every write also appends its events
// to dispute_events and enqueues them in the outbox table, in one transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const disputeColumns = `
	dispute_index, payer, payee, collateral_contract, collateral_token_id,
	usd_value::text, token_value::text, state, is_auto, has_claim, winner,
	vote_count, claimed, created_at, updated_at
`

func (s *PGStore) Create(ctx context.Context, d *Dispute, events []Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var index uint64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(dispute_index) + 1, 0) FROM disputes`).Scan(&index); err != nil {
		return fmt.Errorf("dispute: next index: %w", err)
	}

	const insertSQL = `
		INSERT INTO disputes (
			dispute_index, payer, payee, collateral_contract, collateral_token_id,
			usd_value, token_value, state, is_auto, has_claim, winner,
			vote_count, claimed, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	row := toRow(d)
	if _, err := tx.Exec(ctx, insertSQL,
		index, row.payer, row.payee, row.collateralContract, row.collateralTokenID,
		row.usdValue, row.tokenValue, row.state, d.IsAuto, d.HasClaim, row.winner,
		d.VoteCount, d.Claimed, d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	if err := writeArbiters(ctx, tx, index, d.Arbiters); err != nil {
		return err
	}
	if err := writeEvents(ctx, tx, index, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit create: %w", err)
	}
	d.Index = index
	return nil
}

func (s *PGStore) Save(ctx context.Context, d *Dispute, events []Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
		UPDATE disputes
		SET payer = $2,
		    payee = $3,
		    token_value = $4::text::numeric,
		    state = $5,
		    is_auto = $6,
		    has_claim = $7,
		    winner = $8,
		    vote_count = $9,
		    claimed = $10,
		    updated_at = $11
		WHERE dispute_index = $1
	`
	row := toRow(d)
	tag, err := tx.Exec(ctx, updateSQL,
		d.Index, row.payer, row.payee, row.tokenValue, row.state, d.IsAuto, d.HasClaim,
		row.winner, d.VoteCount, d.Claimed, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dispute_arbiters WHERE dispute_index = $1`, d.Index); err != nil {
		return fmt.Errorf("dispute: clear arbiters: %w", err)
	}
	if err := writeArbiters(ctx, tx, d.Index, d.Arbiters); err != nil {
		return err
	}
	if err := writeEvents(ctx, tx, d.Index, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit save: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, index uint64) (*Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE dispute_index = $1`, index))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dispute: get: %w", err)
	}
	byIndex, err := s.arbiters(ctx, `WHERE dispute_index = $1`, index)
	if err != nil {
		return nil, err
	}
	if d.Arbiters, err = arbiter.FromRecords(byIndex[index]); err != nil {
		return nil, fmt.Errorf("dispute: %d: %w", index, err)
	}
	return d, nil
}

func (s *PGStore) List(ctx context.Context) ([]*Dispute, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+disputeColumns+` FROM disputes ORDER BY dispute_index`)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]*Dispute, 0, 16)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}

	byIndex, err := s.arbiters(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, d := range out {
		if d.Arbiters, err = arbiter.FromRecords(byIndex[d.Index]); err != nil {
			return nil, fmt.Errorf("dispute: %d: %w", d.Index, err)
		}
	}
	return out, nil
}

func (s *PGStore) Events(ctx context.Context, index uint64) ([]Event, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE dispute_index = $1)`, index).Scan(&exists); err != nil {
		return nil, fmt.Errorf("dispute: events: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	const query = `
		SELECT id::text, topic, payload, occurred_at
		FROM dispute_events
		WHERE dispute_index = $1
		ORDER BY seq
	`
	rows, err := s.pool.Query(ctx, query, index)
	if err != nil {
		return nil, fmt.Errorf("dispute: events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var (
			ev      Event
			topic   string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &topic, &payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		ev.Topic = Topic(topic)
		ev.DisputeIndex = index
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("dispute: decode event %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

func (s *PGStore) arbiters(ctx context.Context, where string, args ...any) (map[uint64][]arbiter.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT dispute_index, address, voted, choice FROM dispute_arbiters `+where+` ORDER BY dispute_index, slot`, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: arbiters: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64][]arbiter.Record)
	for rows.Next() {
		var (
			index uint64
			addr  string
			rec   arbiter.Record
		)
		if err := rows.Scan(&index, &addr, &rec.Voted, &rec.Choice); err != nil {
			return nil, fmt.Errorf("dispute: scan arbiter: %w", err)
		}
		rec.Address = common.HexToAddress(addr)
		out[index] = append(out[index], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate arbiters: %w", err)
	}
	return out, nil
}

func writeArbiters(ctx context.Context, tx pgx.Tx, index uint64, reg *arbiter.Registry) error {
	const insertSQL = `
		INSERT INTO dispute_arbiters (dispute_index, slot, address, voted, choice)
		VALUES ($1, $2, $3, $4, $5)
	`
	for slot, rec := range reg.Records() {
		if _, err := tx.Exec(ctx, insertSQL, index, slot, rec.Address.Hex(), rec.Voted, rec.Choice); err != nil {
			return fmt.Errorf("dispute: insert arbiter: %w", err)
		}
	}
	return nil
}

func writeEvents(ctx context.Context, tx pgx.Tx, index uint64, events []Event) error {
	const timelineSQL = `
		INSERT INTO dispute_events (id, dispute_index, topic, payload, occurred_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`
	const outboxSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`

	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("dispute: encode event: %w", err)
		}
		if _, err := tx.Exec(ctx, timelineSQL, ev.ID, index, string(ev.Topic), string(payload), ev.OccurredAt); err != nil {
			return fmt.Errorf("dispute: append event: %w", err)
		}
		envelope, err := json.Marshal(map[string]any{
			"event_id":      ev.ID,
			"dispute_index": index,
			"occurred_at":   ev.OccurredAt.UTC().Format(time.RFC3339Nano),
			"data":          ev.Payload,
		})
		if err != nil {
			return fmt.Errorf("dispute: encode outbox: %w", err)
		}
		if _, err := tx.Exec(ctx, outboxSQL, string(ev.Topic), string(envelope)); err != nil {
			return fmt.Errorf("dispute: enqueue outbox: %w", err)
		}
	}
	return nil
}

type pgRow struct {
	payer, payee       string
	collateralContract *string
	collateralTokenID  *string
	usdValue           string
	tokenValue         *string
	state, winner      string
}

func toRow(d *Dispute) pgRow {
	r := pgRow{
		payer:    d.Payer.Hex(),
		payee:    d.Payee.Hex(),
		usdValue: "0",
		state:    d.State.String(),
		winner:   d.Winner.String(),
	}
	if d.USDValue != nil {
		r.usdValue = d.USDValue.String()
	}
	if d.TokenValue != nil {
		v := d.TokenValue.String()
		r.tokenValue = &v
	}
	if d.Collateral != nil {
		c := d.Collateral.Contract.Hex()
		r.collateralContract = &c
		if d.Collateral.TokenID != nil {
			id := d.Collateral.TokenID.String()
			r.collateralTokenID = &id
		}
	}
	return r
}

func scanDispute(row pgx.Row) (*Dispute, error) {
	var (
		d                  Dispute
		payer, payee       string
		collateralContract *string
		collateralTokenID  *string
		usdValue           string
		tokenValue         *string
		state, winner      string
	)
	if err := row.Scan(
		&d.Index, &payer, &payee, &collateralContract, &collateralTokenID,
		&usdValue, &tokenValue, &state, &d.IsAuto, &d.HasClaim, &winner,
		&d.VoteCount, &d.Claimed, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.Payer = common.HexToAddress(payer)
	d.Payee = common.HexToAddress(payee)
	var err error
	if d.USDValue, err = parseInt(usdValue); err != nil {
		return nil, err
	}
	if tokenValue != nil {
		if d.TokenValue, err = parseInt(*tokenValue); err != nil {
			return nil, err
		}
	}
	if collateralContract != nil {
		d.Collateral = &Collateral{Contract: common.HexToAddress(*collateralContract)}
		if collateralTokenID != nil {
			if d.Collateral.TokenID, err = parseInt(*collateralTokenID); err != nil {
				return nil, err
			}
		}
	}
	if err := d.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	if err := d.Winner.UnmarshalText([]byte(winner)); err != nil {
		return nil, err
	}
	return &d, nil
}

func parseInt(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("dispute: malformed numeric %q", raw)
	}
	return v, nil
}
