package dispute

import (
	"context"
	"errors"
	"fmt"

	"disputeflow/access"
	"disputeflow/arbiter"
	"disputeflow/votesig"

	"github.com/ethereum/go-ethereum/common"
)

// CastVote records the caller's own vote. choice true sides with the payer.
func (l *Ledger) CastVote(ctx context.Context, caller common.Address, index uint64, choice bool) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("cast_vote", caller, &index, err) }()

	_, err = l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		if !d.Arbiters.Contains(caller) {
			return nil, ErrNotArbiter
		}
		if d.State != StateOpen {
			return nil, ErrDisputeClosed
		}
		ev, err := l.recordVote(d, caller, choice, false)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	})
	return err
}

// SkippedVote is a batch entry that was not applied.
type SkippedVote struct {
	Position int
	Signer   common.Address
	Reason   string
}

// BatchResult reports which signed votes were applied.
type BatchResult struct {
	Applied []common.Address
	Skipped []SkippedVote
}

const (
	skipUnrecoverable = "unrecoverable signature"
	skipMalformed     = "malformed message"
	skipOtherDispute  = "message for another dispute"
	skipNotArbiter    = "not an arbiter"
	skipAlreadyVoted  = "already voted"
)

// CastVotesWithSignatures applies votes relayed on behalf of arbiters.
// Entries that cannot be attributed to a current, not-yet-voted arbiter of
// this dispute are skipped. A signer appearing twice in one batch rejects the
// whole batch, as does a batch in which nothing applies.
//
// The duplicate check runs over every entry whose signature recovers, before
// any entry is judged. An entry that would itself be skipped, such as a
// malformed message or one for another dispute, still counts: a stale entry
// next to a valid one from the same signer fails the batch. Only entries with
// an unrecoverable signature are ignored by the check.
func (l *Ledger) CastVotesWithSignatures(ctx context.Context, caller common.Address, index uint64, signatures [][]byte, messages []string) (_ BatchResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("cast_signed_votes", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer); err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	_, err = l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		if d.State != StateOpen {
			return nil, ErrDisputeClosed
		}
		if len(signatures) != len(messages) {
			return nil, wrap(ErrMalformedBatch, fmt.Errorf("%d signatures, %d messages", len(signatures), len(messages)))
		}
		if len(signatures) == 0 {
			return nil, ErrNoVotes
		}

		signers := make([]common.Address, len(signatures))
		recovered := make([]bool, len(signatures))
		firstSeen := make(map[common.Address]int, len(signatures))
		for i := range signatures {
			signer, err := votesig.Recover(messages[i], signatures[i])
			if err != nil {
				continue
			}
			if prev, dup := firstSeen[signer]; dup {
				return nil, wrap(ErrDuplicateSigner, fmt.Errorf("%s signed entries %d and %d", signer.Hex(), prev, i))
			}
			firstSeen[signer] = i
			signers[i], recovered[i] = signer, true
		}

		var events []Event
		for i, msg := range messages {
			skip := func(reason string) {
				result.Skipped = append(result.Skipped, SkippedVote{Position: i, Signer: signers[i], Reason: reason})
			}
			if !recovered[i] {
				skip(skipUnrecoverable)
				continue
			}
			msgIndex, choice, err := votesig.ParseMessage(msg)
			if err != nil {
				skip(skipMalformed)
				continue
			}
			if msgIndex != index {
				skip(skipOtherDispute)
				continue
			}
			if !d.Arbiters.Contains(signers[i]) {
				skip(skipNotArbiter)
				continue
			}
			ev, err := l.recordVote(d, signers[i], choice, true)
			if err != nil {
				if errors.Is(err, ErrAlreadyVoted) {
					skip(skipAlreadyVoted)
					continue
				}
				return nil, err
			}
			result.Applied = append(result.Applied, signers[i])
			events = append(events, ev)
		}
		if len(events) == 0 {
			return nil, ErrNoVotes
		}
		return events, nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

func (l *Ledger) recordVote(d *Dispute, voter common.Address, choice bool, signed bool) (Event, error) {
	if err := d.Arbiters.MarkVoted(voter, choice); err != nil {
		switch {
		case errors.Is(err, arbiter.ErrAlreadyVoted):
			return Event{}, ErrAlreadyVoted
		case errors.Is(err, arbiter.ErrNotFound):
			return Event{}, ErrNotArbiter
		default:
			return Event{}, err
		}
	}
	d.VoteCount++
	side := SidePayee
	if choice {
		side = SidePayer
	}
	return l.event(d.Index, TopicVoteCast, map[string]any{
		"arbiter":    voter.Hex(),
		"side":       side.String(),
		"vote_count": d.VoteCount,
		"signed":     signed,
	}), nil
}
