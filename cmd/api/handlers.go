package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"disputeflow/access"
	"disputeflow/auth"
	"disputeflow/dispute"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	account, err := s.auth.Register(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "account", map[string]any{
		"id":           account.ID,
		"address":      account.Address.Hex(),
		"display_name": account.DisplayName,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	roles := []string{}
	for _, role := range []access.Role{access.RoleAdmin, access.RoleServer} {
		if s.acl.HasRole(role, res.Account.Address) {
			roles = append(roles, string(role))
		}
	}
	writeOK(w, http.StatusOK, "session", map[string]any{
		"token":      res.Token,
		"expires_at": res.ExpiresAt.UTC().Unix(),
		"address":    res.Account.Address.Hex(),
		"roles":      roles,
	})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f dispute.Filter
	if raw := q.Get("party"); raw != "" {
		party, err := auth.ParseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}
		f.Party = party
	}
	if raw := q.Get("side"); raw != "" {
		side, err := parseSide(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}
		f.Side = side
	}
	switch status := dispute.StatusFilter(strings.ToLower(q.Get("status"))); status {
	case dispute.StatusAny, dispute.StatusOpen, dispute.StatusClosed:
		f.Status = status
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION", fmt.Sprintf("unknown status %q", status))
		return
	}

	disputes, err := s.ledger.Find(r.Context(), f)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "disputes", toDisputeResponses(disputes))
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payer      string          `json:"payer"`
		Payee      string          `json:"payee"`
		HasClaim   bool            `json:"has_claim"`
		USDValue   string          `json:"usd_value"`
		Collateral *collateralBody `json:"collateral"`
		Arbiters   []string        `json:"arbiters"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}

	params := dispute.CreateParams{
		Payer:    parseAddressField(req.Payer),
		Payee:    parseAddressField(req.Payee),
		HasClaim: req.HasClaim,
	}
	usd, err := parseAmount("usd_value", req.USDValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	params.USDValue = usd
	if req.Collateral != nil {
		tokenID, err := parseAmount("collateral.token_id", req.Collateral.TokenID)
		if err != nil || tokenID == nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "collateral.token_id must be a non-negative decimal integer")
			return
		}
		params.Collateral = &dispute.Collateral{Contract: parseAddressField(req.Collateral.Contract), TokenID: tokenID}
	}
	for _, raw := range req.Arbiters {
		params.Arbiters = append(params.Arbiters, parseAddressField(raw))
	}

	d, err := s.ledger.Create(r.Context(), callerFrom(r.Context()), params)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "dispute", toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.Get(r.Context(), index)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "dispute", toDisputeResponse(d))
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	records, err := s.ledger.Votes(r.Context(), index)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	out := make([]arbiterResponse, len(records))
	for i, rec := range records {
		out[i] = toArbiterResponse(rec)
	}
	writeOK(w, http.StatusOK, "votes", out)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Choice *bool `json:"choice"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.Choice == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "choice is required")
		return
	}
	if err := s.ledger.CastVote(r.Context(), callerFrom(r.Context()), index, *req.Choice); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.respondDispute(w, r, index, http.StatusOK)
}

func (s *Server) handleSignedVotes(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Signatures []string `json:"signatures"`
		Messages   []string `json:"messages"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	sigs := make([][]byte, len(req.Signatures))
	for i, raw := range req.Signatures {
		sig, err := hexutil.Decode(raw)
		if err != nil {
			// An undecodable entry is skipped by the ledger like any other bad signature.
			sig = nil
		}
		sigs[i] = sig
	}

	res, err := s.ledger.CastVotesWithSignatures(r.Context(), callerFrom(r.Context()), index, sigs, req.Messages)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "result", toBatchResponse(res))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	events, err := s.ledger.Events(r.Context(), index)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "events", toEventResponses(events))
}

func (s *Server) handleAddArbiter(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if err := s.ledger.AddArbiter(r.Context(), callerFrom(r.Context()), index, parseAddressField(req.Address)); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.respondDispute(w, r, index, http.StatusOK)
}

func (s *Server) handleRemoveArbiter(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	addr := parseAddressField(chi.URLParam(r, "address"))
	if err := s.ledger.RemoveArbiter(r.Context(), callerFrom(r.Context()), index, addr); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.respondDispute(w, r, index, http.StatusOK)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Force          bool   `json:"force"`
		ConversionRate string `json:"conversion_rate"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	rate, err := parseAmount("conversion_rate", req.ConversionRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	d, err := s.ledger.Finalize(r.Context(), callerFrom(r.Context()), index, req.Force, rate)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "dispute", toDisputeResponse(d))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	if err := s.ledger.Cancel(r.Context(), callerFrom(r.Context()), index); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.respondDispute(w, r, index, http.StatusOK)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.Claim(r.Context(), callerFrom(r.Context()), index)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "dispute", toDisputeResponse(d))
}

func (s *Server) handleToggleAuto(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	on, err := s.ledger.ToggleAuto(r.Context(), callerFrom(r.Context()), index)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "is_auto", on)
}

func (s *Server) handleToggleClaim(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	on, err := s.ledger.ToggleHasClaim(r.Context(), callerFrom(r.Context()), index)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "has_claim", on)
}

func (s *Server) handleUpdateSide(w http.ResponseWriter, r *http.Request) {
	index, ok := disputeIndex(w, r)
	if !ok {
		return
	}
	side, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if err := s.ledger.UpdateSide(r.Context(), callerFrom(r.Context()), index, side, parseAddressField(req.Address)); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.respondDispute(w, r, index, http.StatusOK)
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	balance, err := s.token.BalanceOf(r.Context(), s.vault)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	outstanding, err := s.ledger.Outstanding(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "escrow", map[string]any{
		"account":     s.vault.Hex(),
		"balance":     balance.String(),
		"outstanding": outstanding.String(),
	})
}

func (s *Server) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role := access.Role(chi.URLParam(r, "role"))
	if !access.IsValidRole(role) {
		writeError(w, http.StatusBadRequest, "VALIDATION", fmt.Sprintf("unknown role %q", role))
		return
	}
	members := s.acl.Members(role)
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Hex()
	}
	writeOK(w, http.StatusOK, "members", out)
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	role := access.Role(chi.URLParam(r, "role"))
	var req struct {
		Address string `json:"address"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	account, err := auth.ParseAddress(req.Address)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := s.acl.Grant(r.Context(), callerFrom(r.Context()), role, account); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "grant", map[string]any{"role": role, "address": account.Hex()})
}

// handleRevokeRole revokes as an admin, or renounces when callers remove
// themselves.
func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	role := access.Role(chi.URLParam(r, "role"))
	account, err := auth.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	caller := callerFrom(r.Context())
	if account == caller {
		err = s.acl.Renounce(r.Context(), caller, role)
	} else {
		err = s.acl.Revoke(r.Context(), caller, role, account)
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondDispute(w http.ResponseWriter, r *http.Request, index uint64, status int) {
	d, err := s.ledger.Get(r.Context(), index)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeOK(w, status, "dispute", toDisputeResponse(d))
}

func disputeIndex(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", fmt.Sprintf("invalid dispute index %q", raw))
		return 0, false
	}
	return index, true
}

// parseAddressField leaves validation to the ledger: anything that is not
// a hex address becomes the zero address, which every operation rejects.
func parseAddressField(raw string) common.Address {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}
	}
	return common.HexToAddress(raw)
}

func parseSide(raw string) (dispute.Side, error) {
	switch strings.ToLower(raw) {
	case "payer", "a":
		return dispute.SidePayer, nil
	case "payee", "b":
		return dispute.SidePayee, nil
	default:
		return dispute.SideUnset, fmt.Errorf("unknown side %q", raw)
	}
}
