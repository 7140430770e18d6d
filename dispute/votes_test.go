package dispute_test

import (
	"math/big"
	"math/rand"
	"testing"

	"disputeflow/dispute"
	"disputeflow/votesig"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type signedVote struct {
	sig []byte
	msg string
}

func sign(t *testing.T, k arbiterKey, msg string) signedVote {
	t.Helper()
	sig, err := votesig.Sign(k.key, msg)
	require.NoError(t, err)
	return signedVote{sig: sig, msg: msg}
}

func batch(votes ...signedVote) ([][]byte, []string) {
	sigs := make([][]byte, len(votes))
	msgs := make([]string, len(votes))
	for i, v := range votes {
		sigs[i], msgs[i] = v.sig, v.msg
	}
	return sigs, msgs
}

func TestSignedVotesApply(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 20_000_000, true, 3)

	sigs, msgs := batch(
		sign(t, e.arbiters[0], votesig.Message(d.Index, true)),
		sign(t, e.arbiters[1], votesig.Message(d.Index, true)),
		sign(t, e.arbiters[2], votesig.Message(d.Index, false)),
	)
	res, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.NoError(t, err)
	require.Equal(t, e.addrs(3), res.Applied)
	require.Empty(t, res.Skipped)

	fin, err := e.ledger.Finalize(e.ctx, server, d.Index, false, big.NewInt(1e18))
	require.NoError(t, err)
	require.Equal(t, dispute.SidePayer, fin.Winner)
	require.Equal(t, 3, fin.VoteCount)
}

func TestSignedVotesRequireServer(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 1)
	sigs, msgs := batch(sign(t, e.arbiters[0], votesig.Message(d.Index, true)))
	_, err := e.ledger.CastVotesWithSignatures(e.ctx, e.arbiters[0].addr, d.Index, sigs, msgs)
	require.ErrorIs(t, err, dispute.ErrPermission)
}

func TestSignedVotesSkipInvalidEntries(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 3)
	other := e.create(t, 1_000_000, true, 3)
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[2].addr, d.Index, false))

	stranger := e.arbiters[3]
	bogus := make([]byte, 65)

	sigs, msgs := batch(
		sign(t, e.arbiters[0], votesig.Message(d.Index, true)),     // applied
		sign(t, stranger, votesig.Message(d.Index, true)),          // not an arbiter
		sign(t, e.arbiters[1], votesig.Message(other.Index, true)), // another dispute
		sign(t, e.arbiters[2], votesig.Message(d.Index, true)),     // already voted directly
		signedVote{sig: bogus, msg: votesig.Message(d.Index, true)},
	)
	res, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.NoError(t, err)
	require.Equal(t, []common.Address{e.arbiters[0].addr}, res.Applied)
	require.Len(t, res.Skipped, 4)

	reasons := map[int]string{}
	for _, s := range res.Skipped {
		reasons[s.Position] = s.Reason
	}
	require.Equal(t, map[int]string{
		1: "not an arbiter",
		2: "message for another dispute",
		3: "already voted",
		4: "unrecoverable signature",
	}, reasons)

	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Equal(t, 2, got.VoteCount)
	rec, err := got.Arbiters.Get(e.arbiters[2].addr)
	require.NoError(t, err)
	require.False(t, rec.Choice)

	untouched, err := e.ledger.Get(e.ctx, other.Index)
	require.NoError(t, err)
	require.Zero(t, untouched.VoteCount)
	e.requireConsistent(t)
}

func TestSignedVotesMalformedMessageSkipped(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	sigs, msgs := batch(
		sign(t, e.arbiters[0], "0C"),
		sign(t, e.arbiters[1], votesig.Message(d.Index, false)),
	)
	res, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.NoError(t, err)
	require.Equal(t, []common.Address{e.arbiters[1].addr}, res.Applied)
	require.Equal(t, "malformed message", res.Skipped[0].Reason)
	require.Equal(t, e.arbiters[0].addr, res.Skipped[0].Signer)
}

func TestSignedVotesDuplicateSignerRejectsBatch(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 3)

	sigs, msgs := batch(
		sign(t, e.arbiters[1], votesig.Message(d.Index, true)),
		sign(t, e.arbiters[0], votesig.Message(d.Index, true)),
		sign(t, e.arbiters[0], votesig.Message(d.Index, false)),
	)
	_, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.ErrorIs(t, err, dispute.ErrDuplicateSigner)
	require.ErrorIs(t, err, dispute.ErrAlreadyDone)

	got, err := e.ledger.Get(e.ctx, d.Index)
	require.NoError(t, err)
	require.Zero(t, got.VoteCount)
	require.Zero(t, got.Arbiters.Voted())
}

func TestSignedVotesNothingApplicable(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	require.NoError(t, e.ledger.CastVote(e.ctx, e.arbiters[0].addr, d.Index, true))

	sigs, msgs := batch(
		sign(t, e.arbiters[0], votesig.Message(d.Index, true)),
		sign(t, e.arbiters[3], votesig.Message(d.Index, true)),
	)
	_, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.ErrorIs(t, err, dispute.ErrNoVotes)

	_, err = e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, nil, nil)
	require.ErrorIs(t, err, dispute.ErrNoVotes)

	_, err = e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs[:1])
	require.ErrorIs(t, err, dispute.ErrMalformedBatch)
}

func TestSignedVotesOnCancelledDispute(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	vote := sign(t, e.arbiters[0], votesig.Message(d.Index, true))
	require.NoError(t, e.ledger.Cancel(e.ctx, server, d.Index))

	sigs, msgs := batch(vote, vote)
	_, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.ErrorIs(t, err, dispute.ErrDisputeClosed)
}

func TestSignedVotesCannotBeReplayed(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	sigs, msgs := batch(sign(t, e.arbiters[0], votesig.Message(d.Index, true)))

	_, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.NoError(t, err)
	_, err = e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.ErrorIs(t, err, dispute.ErrNoVotes)
}

// Random interleavings of panel edits and votes keep voteCount in step with
// the voted records.
func TestVoteCountInvariantUnderRandomOperations(t *testing.T) {
	e := newEnv(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		e.create(t, 1_000_000, true, 3)
	}

	for step := 0; step < 400; step++ {
		index := uint64(rng.Intn(5))
		who := e.arbiters[rng.Intn(len(e.arbiters))]
		switch rng.Intn(6) {
		case 0, 1:
			_ = e.ledger.CastVote(e.ctx, who.addr, index, rng.Intn(2) == 0)
		case 2:
			_ = e.ledger.AddArbiter(e.ctx, server, index, who.addr)
		case 3:
			_ = e.ledger.RemoveArbiter(e.ctx, admin, index, who.addr)
		case 4:
			sigs, msgs := batch(sign(t, who, votesig.Message(index, rng.Intn(2) == 0)))
			_, _ = e.ledger.CastVotesWithSignatures(e.ctx, server, index, sigs, msgs)
		case 5:
			if rng.Intn(10) == 0 {
				_, _ = e.ledger.Finalize(e.ctx, server, index, true, big.NewInt(1))
			}
		}
		e.requireConsistent(t)
	}
}

func TestSignedVotesDuplicateCountsEntriesThatWouldBeSkipped(t *testing.T) {
	e := newEnv(t)
	d := e.create(t, 1_000_000, true, 2)
	other := e.create(t, 1_000_000, true, 2)
	signer := e.arbiters[0]

	for name, stale := range map[string]signedVote{
		"another dispute": sign(t, signer, votesig.Message(other.Index, false)),
		"malformed":       sign(t, signer, "xyzA"),
	} {
		t.Run(name, func(t *testing.T) {
			sigs, msgs := batch(stale, sign(t, signer, votesig.Message(d.Index, true)))
			_, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
			require.ErrorIs(t, err, dispute.ErrDuplicateSigner)

			got, err := e.ledger.Get(e.ctx, d.Index)
			require.NoError(t, err)
			require.Zero(t, got.VoteCount)
		})
	}

	// An unrecoverable entry has no signer, so it cannot collide.
	sigs, msgs := batch(
		signedVote{sig: make([]byte, 65), msg: votesig.Message(d.Index, false)},
		sign(t, signer, votesig.Message(d.Index, true)),
	)
	res, err := e.ledger.CastVotesWithSignatures(e.ctx, server, d.Index, sigs, msgs)
	require.NoError(t, err)
	require.Equal(t, []common.Address{signer.addr}, res.Applied)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "unrecoverable signature", res.Skipped[0].Reason)
}
