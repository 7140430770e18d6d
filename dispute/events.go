package dispute

import "time"

type Topic string

const (
	TopicCreated        Topic = "dispute.created"
	TopicArbiterAdded   Topic = "dispute.arbiter_added"
	TopicArbiterRemoved Topic = "dispute.arbiter_removed"
	TopicVoteCast       Topic = "dispute.vote_cast"
	TopicFinalized      Topic = "dispute.finalized"
	TopicCancelled      Topic = "dispute.cancelled"
	TopicAutoToggled    Topic = "dispute.auto_toggled"
	TopicClaimToggled   Topic = "dispute.claim_toggled"
	TopicSideUpdated    Topic = "dispute.side_updated"
	TopicFundsClaimed   Topic = "dispute.funds_claimed"
)

// Event is an observable fact about a dispute. Events are committed in the
// same store write as the mutation that raised them.
type Event struct {
	ID           string
	Topic        Topic
	DisputeIndex uint64
	Payload      map[string]any
	OccurredAt   time.Time
}

func (l *Ledger) event(index uint64, topic Topic, payload map[string]any) Event {
	return Event{
		ID:           l.newID(),
		Topic:        topic,
		DisputeIndex: index,
		Payload:      payload,
		OccurredAt:   l.now(),
	}
}
