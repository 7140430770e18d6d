package actors

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"disputeflow/dispute"
	"disputeflow/votesig"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// World is what every actor shares: the ledger under test, the privileged
// callers and the arbiter key pool.
type World struct {
	Ledger   *dispute.Ledger
	Server   common.Address
	Admin    common.Address
	Keys     []*ecdsa.PrivateKey
	Disputes int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewWorld(ledger *dispute.Ledger, server, admin common.Address, keys []*ecdsa.PrivateKey, disputes int, seed int64) *World {
	return &World{
		Ledger:   ledger,
		Server:   server,
		Admin:    admin,
		Keys:     keys,
		Disputes: disputes,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (w *World) intn(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Intn(n)
}

func (w *World) dispute() uint64 { return uint64(w.intn(w.Disputes)) }

func (w *World) key() *ecdsa.PrivateKey { return w.Keys[w.intn(len(w.Keys))] }

func (w *World) pause(base, jitter int) {
	time.Sleep(time.Duration(base+w.intn(jitter)) * time.Millisecond)
}

// tolerate swallows rejected calls and infrastructure failures. Rejections
// are the point of the contention; infrastructure errors come from chaos.
func tolerate(ctx context.Context, actor string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var domainErr *dispute.Error
	if !errors.As(err, &domainErr) {
		log.WithError(err).WithField("actor", actor).Debug("infrastructure error")
	}
	return nil
}

func loop(ctx context.Context, stop <-chan struct{}, body func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := body(); err != nil {
			return err
		}
	}
}

// Voter casts direct votes as random arbiters on random disputes.
func Voter(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		caller := crypto.PubkeyToAddress(w.key().PublicKey)
		err := w.Ledger.CastVote(ctx, caller, w.dispute(), w.intn(2) == 0)
		w.pause(5, 15)
		return tolerate(ctx, "voter", err)
	})
}

// Relayer submits signed batches, sometimes with a duplicated signer or a
// message for another dispute.
func Relayer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		index := w.dispute()
		n := 1 + w.intn(3)
		sigs := make([][]byte, 0, n+1)
		msgs := make([]string, 0, n+1)
		for i := 0; i < n; i++ {
			target := index
			if w.intn(8) == 0 {
				target = w.dispute()
			}
			msg := votesig.Message(target, w.intn(2) == 0)
			sig, err := votesig.Sign(w.key(), msg)
			if err != nil {
				return fmt.Errorf("relayer sign: %w", err)
			}
			sigs, msgs = append(sigs, sig), append(msgs, msg)
		}
		if w.intn(10) == 0 {
			sigs, msgs = append(sigs, sigs[0]), append(msgs, msgs[0])
		}
		_, err := w.Ledger.CastVotesWithSignatures(ctx, w.Server, index, sigs, msgs)
		w.pause(10, 20)
		return tolerate(ctx, "relayer", err)
	})
}

// PanelEditor adds and removes arbiters, including ones that already voted.
func PanelEditor(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		addr := crypto.PubkeyToAddress(w.key().PublicKey)
		var err error
		if w.intn(2) == 0 {
			err = w.Ledger.AddArbiter(ctx, w.Server, w.dispute(), addr)
		} else {
			err = w.Ledger.RemoveArbiter(ctx, w.Admin, w.dispute(), addr)
		}
		w.pause(20, 40)
		return tolerate(ctx, "panel", err)
	})
}

// Finalizer closes disputes, forcing now and then, and occasionally cancels.
func Finalizer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		index := w.dispute()
		var err error
		switch w.intn(10) {
		case 0:
			err = w.Ledger.Cancel(ctx, w.Server, index)
		case 1, 2:
			_, err = w.Ledger.Finalize(ctx, w.Server, index, true, big.NewInt(int64(1+w.intn(1000))))
		default:
			_, err = w.Ledger.Finalize(ctx, w.Server, index, false, big.NewInt(int64(1+w.intn(1000))))
		}
		w.pause(100, 200)
		return tolerate(ctx, "finalizer", err)
	})
}

// Claimer races the winner, the loser and the server for each settlement.
func Claimer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		index := w.dispute()
		d, err := w.Ledger.Get(ctx, index)
		if err != nil {
			return tolerate(ctx, "claimer", err)
		}
		callers := []common.Address{w.Server, d.Payer, d.Payee}
		_, err = w.Ledger.Claim(ctx, callers[w.intn(len(callers))], index)
		w.pause(20, 40)
		return tolerate(ctx, "claimer", err)
	})
}

// Toggler flips the auto and claim gates.
func Toggler(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		var err error
		if w.intn(2) == 0 {
			_, err = w.Ledger.ToggleAuto(ctx, w.Admin, w.dispute())
		} else {
			_, err = w.Ledger.ToggleHasClaim(ctx, w.Server, w.dispute())
		}
		w.pause(50, 100)
		return tolerate(ctx, "toggler", err)
	})
}

// OutboxWorker marks dispute events published with SKIP LOCKED, failing a
// tenth of the batches to leave rows for the next pass.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		if rand.Intn(10) == 0 {
			_ = tx.Rollback(ctx)
		} else {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)`, ids)
			_ = tx.Commit(ctx)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
