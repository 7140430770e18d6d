package main

import (
	"time"

	"disputeflow/arbiter"
	"disputeflow/dispute"

	"github.com/ethereum/go-ethereum/common"
)

type collateralBody struct {
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
}

type arbiterResponse struct {
	Address string `json:"address"`
	Voted   bool   `json:"voted"`
	Choice  *bool  `json:"choice,omitempty"`
}

type disputeResponse struct {
	Index      uint64            `json:"index"`
	Payer      string            `json:"payer"`
	Payee      string            `json:"payee"`
	Collateral *collateralBody   `json:"collateral"`
	USDValue   string            `json:"usd_value"`
	TokenValue *string           `json:"token_value"`
	State      string            `json:"state"`
	IsAuto     bool              `json:"is_auto"`
	HasClaim   bool              `json:"has_claim"`
	Winner     string            `json:"winner"`
	VoteCount  int               `json:"vote_count"`
	Claimed    bool              `json:"claimed"`
	Arbiters   []arbiterResponse `json:"arbiters"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
}

type eventResponse struct {
	ID         string         `json:"id"`
	Topic      string         `json:"topic"`
	Dispute    uint64         `json:"dispute"`
	Payload    map[string]any `json:"payload"`
	OccurredAt string         `json:"occurred_at"`
}

type skippedResponse struct {
	Position int    `json:"position"`
	Signer   string `json:"signer,omitempty"`
	Reason   string `json:"reason"`
}

type batchResponse struct {
	Applied []string          `json:"applied"`
	Skipped []skippedResponse `json:"skipped"`
}

func toArbiterResponse(rec arbiter.Record) arbiterResponse {
	out := arbiterResponse{Address: rec.Address.Hex(), Voted: rec.Voted}
	if rec.Voted {
		choice := rec.Choice
		out.Choice = &choice
	}
	return out
}

func toDisputeResponse(d *dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		Index:      d.Index,
		Payer:      d.Payer.Hex(),
		Payee:      d.Payee.Hex(),
		USDValue:   "0",
		TokenValue: formatAmount(d.TokenValue),
		State:      d.State.String(),
		IsAuto:     d.IsAuto,
		HasClaim:   d.HasClaim,
		Winner:     d.Winner.String(),
		VoteCount:  d.VoteCount,
		Claimed:    d.Claimed,
		Arbiters:   []arbiterResponse{},
		CreatedAt:  d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if d.USDValue != nil {
		resp.USDValue = d.USDValue.String()
	}
	if d.Collateral != nil {
		resp.Collateral = &collateralBody{Contract: d.Collateral.Contract.Hex(), TokenID: d.Collateral.TokenID.String()}
	}
	if d.Arbiters != nil {
		for rec := range d.Arbiters.All() {
			resp.Arbiters = append(resp.Arbiters, toArbiterResponse(rec))
		}
	}
	return resp
}

func toDisputeResponses(ds []*dispute.Dispute) []disputeResponse {
	out := make([]disputeResponse, len(ds))
	for i, d := range ds {
		out[i] = toDisputeResponse(d)
	}
	return out
}

func toEventResponses(events []dispute.Event) []eventResponse {
	out := make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = eventResponse{
			ID:         e.ID,
			Topic:      string(e.Topic),
			Dispute:    e.DisputeIndex,
			Payload:    e.Payload,
			OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339),
		}
	}
	return out
}

func toBatchResponse(res dispute.BatchResult) batchResponse {
	out := batchResponse{Applied: make([]string, len(res.Applied)), Skipped: []skippedResponse{}}
	for i, a := range res.Applied {
		out.Applied[i] = a.Hex()
	}
	for _, sk := range res.Skipped {
		item := skippedResponse{Position: sk.Position, Reason: sk.Reason}
		if sk.Signer != (common.Address{}) {
			item.Signer = sk.Signer.Hex()
		}
		out.Skipped = append(out.Skipped, item)
	}
	return out
}
