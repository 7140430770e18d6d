package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"disputeflow/arbiter"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/ethereum/go-ethereum/common"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerStore is the embedded store. An empty directory keeps it in memory.
type BadgerStore struct {
	store *badgerhold.Store
	stop  chan struct{}
}

type disputeDTO struct {
	Index              uint64
	Payer              common.Address
	Payee              common.Address
	HasCollateral      bool
	CollateralContract common.Address
	CollateralTokenID  string
	USDValue           string
	TokenValue         string
	State              int
	IsAuto             bool
	HasClaim           bool
	Winner             int
	VoteCount          int
	Claimed            bool
	Arbiters           []arbiter.Record
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type eventDTO struct {
	ID           string
	DisputeIndex uint64
	Seq          uint64
	Topic        string
	Payload      []byte
	OccurredAt   time.Time
}

func NewBadgerStore(dir string, logger badger.Logger) (*BadgerStore, error) {
	inMemory := len(dir) <= 0

	opts := badger.DefaultOptions(dir)
	opts.Logger = logger
	if inMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, fmt.Errorf("dispute: open badger: %w", err)
	}

	s := &BadgerStore{store: db, stop: make(chan struct{})}
	if !inMemory {
		go s.collectGarbage(logger)
	}
	return s, nil
}

func (s *BadgerStore) collectGarbage(logger badger.Logger) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.store.Badger().RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Errorf("%s", err)
			}
		}
	}
}

func (s *BadgerStore) Close() error {
	close(s.stop)
	return s.store.Close()
}

func (s *BadgerStore) Create(_ context.Context, d *Dispute, events []Event) error {
	var index uint64
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		n, err := s.store.TxCount(tx, &disputeDTO{}, &badgerhold.Query{})
		if err != nil {
			return err
		}
		index = n
		dto := toDTO(d)
		dto.Index = index
		if err := s.store.TxInsert(tx, index, dto); err != nil {
			return err
		}
		return s.insertEvents(tx, index, events)
	})
	if err != nil {
		return fmt.Errorf("dispute: badger create: %w", err)
	}
	d.Index = index
	return nil
}

func (s *BadgerStore) Save(_ context.Context, d *Dispute, events []Event) error {
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		if err := s.store.TxUpdate(tx, d.Index, toDTO(d)); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		return s.insertEvents(tx, d.Index, events)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: badger save: %w", err)
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, index uint64) (*Dispute, error) {
	var dto disputeDTO
	if err := s.store.Get(index, &dto); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dispute: badger get: %w", err)
	}
	return fromDTO(dto)
}

func (s *BadgerStore) List(_ context.Context) ([]*Dispute, error) {
	var dtos []disputeDTO
	if err := s.store.Find(&dtos, &badgerhold.Query{}); err != nil {
		return nil, fmt.Errorf("dispute: badger list: %w", err)
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].Index < dtos[j].Index })

	out := make([]*Dispute, 0, len(dtos))
	for _, dto := range dtos {
		d, err := fromDTO(dto)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *BadgerStore) Events(_ context.Context, index uint64) ([]Event, error) {
	var existing disputeDTO
	if err := s.store.Get(index, &existing); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dispute: badger events: %w", err)
	}

	var dtos []eventDTO
	if err := s.store.Find(&dtos, badgerhold.Where("DisputeIndex").Eq(index).SortBy("Seq")); err != nil {
		return nil, fmt.Errorf("dispute: badger events: %w", err)
	}
	out := make([]Event, 0, len(dtos))
	for _, dto := range dtos {
		ev := Event{
			ID:           dto.ID,
			Topic:        Topic(dto.Topic),
			DisputeIndex: dto.DisputeIndex,
			OccurredAt:   dto.OccurredAt,
		}
		if len(dto.Payload) > 0 {
			if err := json.Unmarshal(dto.Payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("dispute: decode event %s: %w", dto.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *BadgerStore) insertEvents(tx *badger.Txn, index uint64, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	seq, err := s.store.TxCount(tx, &eventDTO{}, badgerhold.Where("DisputeIndex").Eq(index))
	if err != nil {
		return err
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		dto := eventDTO{
			ID:           ev.ID,
			DisputeIndex: index,
			Seq:          seq,
			Topic:        string(ev.Topic),
			Payload:      payload,
			OccurredAt:   ev.OccurredAt,
		}
		if err := s.store.TxInsert(tx, ev.ID, dto); err != nil {
			return err
		}
		seq++
	}
	return nil
}

func toDTO(d *Dispute) disputeDTO {
	dto := disputeDTO{
		Index:     d.Index,
		Payer:     d.Payer,
		Payee:     d.Payee,
		USDValue:  "0",
		State:     int(d.State),
		IsAuto:    d.IsAuto,
		HasClaim:  d.HasClaim,
		Winner:    int(d.Winner),
		VoteCount: d.VoteCount,
		Claimed:   d.Claimed,
		Arbiters:  d.Arbiters.Records(),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.USDValue != nil {
		dto.USDValue = d.USDValue.String()
	}
	if d.TokenValue != nil {
		dto.TokenValue = d.TokenValue.String()
	}
	if d.Collateral != nil {
		dto.HasCollateral = true
		dto.CollateralContract = d.Collateral.Contract
		if d.Collateral.TokenID != nil {
			dto.CollateralTokenID = d.Collateral.TokenID.String()
		}
	}
	return dto
}

func fromDTO(dto disputeDTO) (*Dispute, error) {
	reg, err := arbiter.FromRecords(dto.Arbiters)
	if err != nil {
		return nil, fmt.Errorf("dispute: %d: %w", dto.Index, err)
	}
	d := &Dispute{
		Index:     dto.Index,
		Payer:     dto.Payer,
		Payee:     dto.Payee,
		State:     State(dto.State),
		IsAuto:    dto.IsAuto,
		HasClaim:  dto.HasClaim,
		Winner:    Side(dto.Winner),
		VoteCount: dto.VoteCount,
		Claimed:   dto.Claimed,
		Arbiters:  reg,
		CreatedAt: dto.CreatedAt,
		UpdatedAt: dto.UpdatedAt,
	}
	if d.USDValue, err = parseInt(dto.USDValue); err != nil {
		return nil, err
	}
	if dto.TokenValue != "" {
		if d.TokenValue, err = parseInt(dto.TokenValue); err != nil {
			return nil, err
		}
	}
	if dto.HasCollateral {
		d.Collateral = &Collateral{Contract: dto.CollateralContract}
		if dto.CollateralTokenID != "" {
			if d.Collateral.TokenID, err = parseInt(dto.CollateralTokenID); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}
