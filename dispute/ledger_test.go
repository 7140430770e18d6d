package dispute_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"disputeflow/access"
	"disputeflow/dispute"
	"disputeflow/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	server   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	vault    = common.HexToAddress("0x0000000000000000000000000000000000000e5c")
	payer    = common.HexToAddress("0x0000000000000000000000000000000000001001")
	payee    = common.HexToAddress("0x0000000000000000000000000000000000002002")
	outsider = common.HexToAddress("0x0000000000000000000000000000000000003003")
	nft      = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type arbiterKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func testKey(t *testing.T, n byte) arbiterKey {
	t.Helper()
	key, err := crypto.ToECDSA(common.LeftPadBytes([]byte{n}, 32))
	require.NoError(t, err)
	return arbiterKey{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

type env struct {
	ctx        context.Context
	ledger     *dispute.Ledger
	store      *dispute.MemoryStore
	token      *escrow.MemoryToken
	collateral *escrow.MemoryCollateral
	acl        *access.Controller
	arbiters   []arbiterKey
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	acl, err := access.NewController(ctx, nil, admin, server)
	require.NoError(t, err)

	e := &env{
		ctx:        ctx,
		store:      dispute.NewMemoryStore(),
		token:      escrow.NewMemoryToken(),
		collateral: escrow.NewMemoryCollateral(),
		acl:        acl,
	}
	for n := byte(1); n <= 4; n++ {
		e.arbiters = append(e.arbiters, testKey(t, n))
	}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.ledger = dispute.NewLedger(e.store, acl, e.token, e.collateral, vault).
		WithClock(func() time.Time { return clock })
	return e
}

func (e *env) addrs(n int) []common.Address {
	out := make([]common.Address, n)
	for i := 0; i < n; i++ {
		out[i] = e.arbiters[i].addr
	}
	return out
}

func (e *env) create(t *testing.T, usd int64, hasClaim bool, arbiters int) *dispute.Dispute {
	t.Helper()
	d, err := e.ledger.Create(e.ctx, server, dispute.CreateParams{
		Payer:    payer,
		Payee:    payee,
		HasClaim: hasClaim,
		USDValue: big.NewInt(usd),
		Arbiters: e.addrs(arbiters),
	})
	require.NoError(t, err)
	return d
}

func (e *env) fund(t *testing.T, amount *big.Int) {
	t.Helper()
	require.NoError(t, e.token.Mint(vault, amount))
}

func (e *env) balance(t *testing.T, who common.Address) *big.Int {
	t.Helper()
	b, err := e.token.BalanceOf(e.ctx, who)
	require.NoError(t, err)
	return b
}

func (e *env) requireConsistent(t *testing.T) {
	t.Helper()
	all, err := e.ledger.All(e.ctx)
	require.NoError(t, err)
	for _, d := range all {
		require.Equal(t, d.Arbiters.Voted(), d.VoteCount, "dispute %d", d.Index)
	}
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestCreateRequiresServer(t *testing.T) {
	e := newEnv(t)
	for _, caller := range []common.Address{admin, outsider, payer} {
		_, err := e.ledger.Create(e.ctx, caller, dispute.CreateParams{Payer: payer, Payee: payee, Arbiters: e.addrs(1)})
		require.ErrorIs(t, err, dispute.ErrPermission)
		require.ErrorIs(t, err, access.ErrUnauthorized)
	}
	all, err := e.ledger.All(e.ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCreateLogsAssignedIndex(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { log.StandardLogger().ReplaceHooks(make(log.LevelHooks)) })

	e := newEnv(t)
	e.create(t, 1_000_000, true, 1)
	second := e.create(t, 1_000_000, true, 1)

	var logged []any
	for _, entry := range hook.AllEntries() {
		if entry.Message == "dispute call committed" && entry.Data["op"] == "create" {
			logged = append(logged, entry.Data["dispute"])
		}
	}
	require.Equal(t, []any{uint64(0), second.Index}, logged)
}

func TestCreateAssignsDenseIndexes(t *testing.T) {
	e := newEnv(t)
	first := e.create(t, 1_000_000, true, 3)
	second := e.create(t, 2_000_000, false, 2)
	require.Equal(t, uint64(0), first.Index)
	require.Equal(t, uint64(1), second.Index)

	got, err := e.ledger.Get(e.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, dispute.StateOpen, got.State)
	require.Equal(t, dispute.SideUnset, got.Winner)
	require.Equal(t, 2, got.Arbiters.Size())
	require.Zero(t, got.VoteCount)
	require.False(t, got.IsAuto)

	events, err := e.ledger.Events(e.ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, dispute.TopicCreated, events[0].Topic)
	require.Equal(t, payer.Hex(), events[0].Payload["payer"])
}

func TestCreateRejectsDuplicateArbiters(t *testing.T) {
	e := newEnv(t)
	arbiters := []common.Address{e.arbiters[0].addr, e.arbiters[1].addr, e.arbiters[0].addr}
	_, err := e.ledger.Create(e.ctx, server, dispute.CreateParams{Payer: payer, Payee: payee, Arbiters: arbiters})
	require.ErrorIs(t, err, dispute.ErrDuplicateArbiter)
	require.ErrorIs(t, err, dispute.ErrValidation)

	all, err := e.ledger.All(e.ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCreateValidatesInput(t *testing.T) {
	e := newEnv(t)
	_, err := e.ledger.Create(e.ctx, server, dispute.CreateParams{Payee: payee})
	require.ErrorIs(t, err, dispute.ErrInvalidAddress)

	_, err = e.ledger.Create(e.ctx, server, dispute.CreateParams{Payer: payer, Payee: payee, USDValue: big.NewInt(-1)})
	require.ErrorIs(t, err, dispute.ErrInvalidAmount)

	_, err = e.ledger.Create(e.ctx, server, dispute.CreateParams{Payer: payer, Payee: payee, Arbiters: []common.Address{{}}})
	require.ErrorIs(t, err, dispute.ErrInvalidAddress)
}

func TestCreateChecksCollateral(t *testing.T) {
	e := newEnv(t)
	params := dispute.CreateParams{
		Payer:      payer,
		Payee:      payee,
		Collateral: &dispute.Collateral{Contract: nft, TokenID: big.NewInt(7)},
		Arbiters:   e.addrs(1),
	}
	_, err := e.ledger.Create(e.ctx, server, params)
	require.ErrorIs(t, err, dispute.ErrMissingCollateral)

	require.NoError(t, e.collateral.Mint(nft, big.NewInt(7), payer))
	d, err := e.ledger.Create(e.ctx, server, params)
	require.NoError(t, err)
	require.Equal(t, nft, d.Collateral.Contract)
	require.Equal(t, int64(7), d.Collateral.TokenID.Int64())
}

func TestDefaultAutoAppliesToNewDisputes(t *testing.T) {
	e := newEnv(t)
	e.ledger.WithDefaultAuto(true)
	d := e.create(t, 0, false, 1)
	require.True(t, d.IsAuto)
}

func TestCastVote(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 3)

	err := e.ledger.CastVote(e.ctx, outsider, d.Index, true)
	require.ErrorIs(t, err, dispute.ErrNotArbiter)
	require.ErrorIs(t, err, dispute.ErrPermission)

	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, true))
	err = e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, false)
	require.ErrorIs(t, err, dispute.ErrAlreadyVoted)
	require.ErrorIs(t, err, dispute.ErrAlreadyDone)

	votes, err := e.ledger.Votes(e.ctx, d.Index)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.True(t, votes[0].Choice)

	err = e.ledger.CastVote(e.ctx, e.arbiters[0].addr, 99, true)
	require.ErrorIs(t, err, dispute.ErrNotFound)
	e.requireConsistent(t)
}

func TestCancelBlocksLaterCalls(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, true))

	require.ErrorIs(t, e.ledger.Cancel(e.ctx, admin, d.Index), dispute.ErrPermission)
	require.NoError(t, e.ledger.Cancel(e.ctx, server, d.Index))

	require.ErrorIs(t, e.ledger.CastVote(e.ctx, e.arbiters[1].addr, d.Index, true), dispute.ErrDisputeClosed)
	_, err := e.ledger.Finalize(e.ctx, server, d.Index, true, big.NewInt(1))
	require.ErrorIs(t, err, dispute.ErrDisputeClosed)
	_, err = e.ledger.Claim(e.ctx, server, d.Index)
	require.ErrorIs(t, err, dispute.ErrDisputeClosed)
	_, err = e.ledger.Claim(e.ctx, payer, d.Index)
	require.ErrorIs(t, err, dispute.ErrDisputeClosed)
	require.ErrorIs(t, e.ledger.Cancel(e.ctx, server, d.Index), dispute.ErrDisputeClosed)
	require.ErrorIs(t, e.ledger.AddArbiter(e.ctx, server, d.Index, outsider), dispute.ErrDisputeClosed)

	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Equal(t, dispute.StateCancelled, got.State)
	require.Equal(t, 1, got.VoteCount)
}

func TestAddArbiter(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)

	require.ErrorIs(t, e.ledger.AddArbiter(e.ctx, outsider, d.Index, e.arbiters[2].addr), dispute.ErrPermission)
	require.NoError(t, e.ledger.AddArbiter(e.ctx, admin, d.Index, e.arbiters[2].addr))
	require.ErrorIs(t, e.ledger.AddArbiter(e.ctx, server, d.Index, e.arbiters[2].addr), dispute.ErrDuplicateArbiter)
	require.ErrorIs(t, e.ledger.AddArbiter(e.ctx, server, d.Index, common.Address{}), dispute.ErrInvalidAddress)

	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Equal(t, 3, got.Arbiters.Size())
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[2].addr, d.Index, false))
}

func TestRemoveVotedArbiterWithdrawsVote(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 3)
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, true))
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[1].addr, d.Index, false))

	require.NoError(t, e.ledger.RemoveArbiter(e.ctx, server, d.Index, e.arbiters[0].addr))
	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Equal(t, 1, got.VoteCount)
	require.Equal(t, 2, got.Arbiters.Size())
	require.False(t, got.Arbiters.Contains(e.arbiters[0].addr))

	require.ErrorIs(t, e.ledger.RemoveArbiter(e.ctx, server, d.Index, e.arbiters[0].addr), dispute.ErrUnknownArbiter)
	require.ErrorIs(t, e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, true), dispute.ErrNotArbiter)

	// The removed vote no longer counts: the remaining unvoted arbiter completes the panel.
	_, err = e.ledger.Finalize(e.ctx, server, d.Index, false, big.NewInt(1))
	require.ErrorIs(t, err, dispute.ErrVotesIncomplete)
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[2].addr, d.Index, false))
	fin, err := e.ledger.Finalize(e.ctx, server, d.Index, false, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, dispute.SidePayee, fin.Winner)

	events, err := e.ledger.Events(e.ctx, d.Index)
	require.NoError(t, err)
	var removed []dispute.Event
	for _, ev := range events {
		if ev.Topic == dispute.TopicArbiterRemoved {
			removed = append(removed, ev)
		}
	}
	require.Len(t, removed, 1)
	require.Equal(t, true, removed[0].Payload["had_voted"])
	e.requireConsistent(t)
}

func TestReAddingArbitersRestoresNoVote(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, true))
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[1].addr, d.Index, false))
	require.NoError(t, e.ledger.RemoveArbiter(e.ctx, server, d.Index, e.arbiters[0].addr))

	fresh := e.arbiters[3].addr
	require.NoError(t, e.ledger.AddArbiter(e.ctx, server, d.Index, fresh))
	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Equal(t, 1, got.VoteCount)
	rec, err := got.Arbiters.Get(fresh)
	require.NoError(t, err)
	require.False(t, rec.Voted)

	_, err = e.ledger.Finalize(e.ctx, server, d.Index, false, big.NewInt(1))
	require.ErrorIs(t, err, dispute.ErrVotesIncomplete)

	// The removed arbiter comes back with a clean record, not its old vote.
	require.NoError(t, e.ledger.AddArbiter(e.ctx, admin, d.Index, e.arbiters[0].addr))
	got, err = e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Equal(t, 1, got.VoteCount)
	rec, err = got.Arbiters.Get(e.arbiters[0].addr)
	require.NoError(t, err)
	require.False(t, rec.Voted)
	require.False(t, rec.Choice)

	_, err = e.ledger.Finalize(e.ctx, server, d.Index, false, big.NewInt(1))
	require.ErrorIs(t, err, dispute.ErrVotesIncomplete)
	e.requireConsistent(t)
}

func TestRemoveUnvotedArbiterKeepsCount(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 3)
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, true))
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[1].addr, d.Index, true))

	require.NoError(t, e.ledger.RemoveArbiter(e.ctx, admin, d.Index, e.arbiters[2].addr))
	fin, err := e.ledger.Finalize(e.ctx, server, d.Index, false, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, dispute.SidePayer, fin.Winner)
	require.Equal(t, 2, fin.VoteCount)
}

func TestTogglesEmitOldAndNew(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, false, 1)

	_, err := e.ledger.ToggleAuto(e.ctx, outsider, d.Index)
	require.ErrorIs(t, err, dispute.ErrPermission)

	auto, err := e.ledger.ToggleAuto(e.ctx, admin, d.Index)
	require.NoError(t, err)
	require.True(t, auto)
	hasClaim, err := e.ledger.ToggleHasClaim(e.ctx, server, d.Index)
	require.NoError(t, err)
	require.True(t, hasClaim)
	hasClaim, err = e.ledger.ToggleHasClaim(e.ctx, server, d.Index)
	require.NoError(t, err)
	require.False(t, hasClaim)

	events, err := e.ledger.Events(e.ctx, d.Index)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, dispute.TopicAutoToggled, events[1].Topic)
	require.Equal(t, false, events[1].Payload["old"])
	require.Equal(t, true, events[1].Payload["new"])
	require.Equal(t, dispute.TopicClaimToggled, events[3].Topic)
	require.Equal(t, true, events[3].Payload["old"])
	require.Equal(t, false, events[3].Payload["new"])
}

func TestUpdateSides(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 1)
	newPayer := common.HexToAddress("0x0000000000000000000000000000000000004004")
	newPayee := common.HexToAddress("0x0000000000000000000000000000000000005005")

	require.ErrorIs(t, e.ledger.UpdateSideA(e.ctx, payer, d.Index, newPayer), dispute.ErrPermission)
	require.NoError(t, e.ledger.UpdateSideA(e.ctx, server, d.Index, newPayer))
	require.NoError(t, e.ledger.UpdateSideB(e.ctx, admin, d.Index, newPayee))
	require.ErrorIs(t, e.ledger.UpdateSideB(e.ctx, admin, d.Index, common.Address{}), dispute.ErrInvalidAddress)
	require.ErrorIs(t, e.ledger.UpdateSide(e.ctx, admin, d.Index, dispute.SideUnset, newPayee), dispute.ErrUnknownSide)

	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Equal(t, newPayer, got.Payer)
	require.Equal(t, newPayee, got.Payee)

	events, err := e.ledger.Events(e.ctx, d.Index)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, dispute.TopicSideUpdated, last.Topic)
	require.Equal(t, "payee", last.Payload["side"])
	require.Equal(t, payee.Hex(), last.Payload["old"])
	require.Equal(t, newPayee.Hex(), last.Payload["new"])
}

func TestQueries(t *testing.T) {
	e := newEnv(t)
	open := e.create(t, 1_000_000, true, 1)
	closed := e.create(t, 1_000_000, true, 1)
	cancelled := e.create(t, 1_000_000, true, 1)
	other, err := e.ledger.Create(e.ctx, server, dispute.CreateParams{Payer: outsider, Payee: payer, Arbiters: e.addrs(1)})
	require.NoError(t, err)

	_, err = e.ledger.Finalize(e.ctx, server, closed.Index, true, big.NewInt(1))
	require.NoError(t, err)
	require.NoError(t, e.ledger.Cancel(e.ctx, server, cancelled.Index))

	asPayerOpen, err := e.ledger.ByPayer(e.ctx, payer, true)
	require.NoError(t, err)
	require.Equal(t, []uint64{open.Index}, indexes(asPayerOpen))

	asPayerClosed, err := e.ledger.ByPayer(e.ctx, payer, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{closed.Index, cancelled.Index}, indexes(asPayerClosed))

	asPayee, err := e.ledger.ByPayee(e.ctx, payer, true)
	require.NoError(t, err)
	require.Equal(t, []uint64{other.Index}, indexes(asPayee))

	either, err := e.ledger.Find(e.ctx, dispute.Filter{Party: payer})
	require.NoError(t, err)
	require.Len(t, either, 4)

	_, err = e.ledger.Get(e.ctx, 42)
	require.ErrorIs(t, err, dispute.ErrNotFound)
	_, err = e.ledger.Votes(e.ctx, 42)
	require.ErrorIs(t, err, dispute.ErrNotFound)
}

func indexes(ds []*dispute.Dispute) []uint64 {
	out := make([]uint64, len(ds))
	for i, d := range ds {
		out[i] = d.Index
	}
	return out
}

func TestReadsReturnCopies(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.NoError(t, got.Arbiters.MarkVoted(e.arbiters[0].addr, true))
	got.USDValue.SetInt64(0)

	again, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Zero(t, again.Arbiters.Voted())
	require.Equal(t, int64(1_000_000), again.USDValue.Int64())
}
