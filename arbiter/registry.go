package arbiter

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrDuplicate signals that the address is already registered.
	ErrDuplicate = errors.New("arbiter: duplicate key")
	// ErrNotFound signals that the address is not registered.
	ErrNotFound = errors.New("arbiter: not found")
	// ErrAlreadyVoted signals a second vote from the same arbiter.
	ErrAlreadyVoted = errors.New("arbiter: already voted")
)

// Record is the per-arbiter vote state held for one dispute.
// Choice is only meaningful once Voted is set; true sides with the payer.
type Record struct {
	Address common.Address `json:"address"`
	Voted   bool           `json:"voted"`
	Choice  bool           `json:"choice"`
}

// Registry is an enumerable set of arbiter records keyed by address.
// Lookups go through the index map; records live densely in a slice so that
// iteration stays proportional to the set size. Removal swaps the last record
// into the freed slot, so enumeration order is not insertion order.
//
// A Registry is not safe for concurrent use; callers serialise access.
type Registry struct {
	index   map[common.Address]int
	records []Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[common.Address]int)}
}

// Add registers addr with a fresh, unvoted record.
func (r *Registry) Add(addr common.Address) error {
	if _, ok := r.index[addr]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, addr.Hex())
	}
	r.index[addr] = len(r.records)
	r.records = append(r.records, Record{Address: addr})
	return nil
}

// Remove deletes addr and returns the record it held, so callers can
// reconcile any counters derived from it.
func (r *Registry) Remove(addr common.Address) (Record, error) {
	pos, ok := r.index[addr]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, addr.Hex())
	}
	removed := r.records[pos]
	last := len(r.records) - 1
	if pos != last {
		moved := r.records[last]
		r.records[pos] = moved
		r.index[moved.Address] = pos
	}
	r.records = r.records[:last]
	delete(r.index, addr)
	return removed, nil
}

func (r *Registry) Contains(addr common.Address) bool {
	_, ok := r.index[addr]
	return ok
}

// Get returns a copy of the record for addr.
func (r *Registry) Get(addr common.Address) (Record, error) {
	pos, ok := r.index[addr]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, addr.Hex())
	}
	return r.records[pos], nil
}

func (r *Registry) Size() int {
	return len(r.records)
}

// MarkVoted records choice for addr. A record is voted at most once.
func (r *Registry) MarkVoted(addr common.Address, choice bool) error {
	pos, ok := r.index[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr.Hex())
	}
	if r.records[pos].Voted {
		return fmt.Errorf("%w: %s", ErrAlreadyVoted, addr.Hex())
	}
	r.records[pos].Voted = true
	r.records[pos].Choice = choice
	return nil
}

// All yields every record in dense-slot order.
func (r *Registry) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, rec := range r.records {
			if !yield(rec) {
				return
			}
		}
	}
}

// Records returns a snapshot of the records in dense-slot order.
func (r *Registry) Records() []Record {
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Addresses returns the registered addresses in dense-slot order.
func (r *Registry) Addresses() []common.Address {
	out := make([]common.Address, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Address)
	}
	return out
}

// Voted returns the number of records that have cast a vote.
func (r *Registry) Voted() int {
	n := 0
	for _, rec := range r.records {
		if rec.Voted {
			n++
		}
	}
	return n
}

// Tally counts the cast votes for each side.
func (r *Registry) Tally() (payer, payee int) {
	for _, rec := range r.records {
		if !rec.Voted {
			continue
		}
		if rec.Choice {
			payer++
		} else {
			payee++
		}
	}
	return payer, payee
}

// Clone returns a deep copy that shares no state with r.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		index:   make(map[common.Address]int, len(r.index)),
		records: make([]Record, len(r.records)),
	}
	copy(out.records, r.records)
	for addr, pos := range r.index {
		out.index[addr] = pos
	}
	return out
}

// FromRecords rebuilds a registry from persisted records, preserving slot
// order. Duplicate addresses are rejected.
func FromRecords(records []Record) (*Registry, error) {
	r := &Registry{
		index:   make(map[common.Address]int, len(records)),
		records: make([]Record, 0, len(records)),
	}
	for _, rec := range records {
		if _, ok := r.index[rec.Address]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, rec.Address.Hex())
		}
		r.index[rec.Address] = len(r.records)
		r.records = append(r.records, rec)
	}
	return r, nil
}

func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.records)
}

func (r *Registry) UnmarshalJSON(data []byte) error {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("arbiter: decode records: %w", err)
	}
	rebuilt, err := FromRecords(records)
	if err != nil {
		return err
	}
	*r = *rebuilt
	return nil
}
