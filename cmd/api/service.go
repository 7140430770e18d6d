package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"disputeflow/access"
	"disputeflow/auth"
	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/escrow"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// service owns the process-wide resources behind the HTTP API.
type service struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	badger  *dispute.BadgerStore
	server  *http.Server
	group   *errgroup.Group
	stopped chan struct{}
}

func newService(cfg *config.Config) (*service, error) {
	ctx := context.Background()
	svc := &service{cfg: cfg, stopped: make(chan struct{})}

	if cfg.DbType == "postgres" || cfg.EscrowType == "postgres" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DbMaxConns})
		if err != nil {
			return nil, err
		}
		svc.pool = pool
	}

	store, err := svc.disputeStore()
	if err != nil {
		svc.close()
		return nil, err
	}
	token, collateral := svc.escrow()

	var (
		grants   access.GrantStore
		accounts auth.Repository = auth.NewMemoryRepository()
	)
	if svc.pool != nil {
		grants = access.NewGrantStore(svc.pool)
		accounts = auth.NewRepository(svc.pool)
	}
	acl, err := access.NewController(ctx, grants, cfg.AdminAddress, cfg.ServerAddress)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("access controller: %w", err)
	}

	ledger := dispute.NewLedger(store, acl, token, collateral, cfg.EscrowAccount).
		WithDefaultAuto(cfg.DefaultAuto).
		WithFundReservation(cfg.ReserveFunds)

	api := NewServer(ledger, acl, auth.NewService(accounts, cfg.JWTSecret), token, cfg.EscrowAccount)
	svc.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.WithFields(log.Fields{
		"db":      cfg.DbType,
		"escrow":  cfg.EscrowType,
		"vault":   cfg.EscrowAccount.Hex(),
		"auto":    cfg.DefaultAuto,
		"reserve": cfg.ReserveFunds,
	}).Info("dispute ledger ready")
	return svc, nil
}

func (s *service) disputeStore() (dispute.Store, error) {
	switch s.cfg.DbType {
	case "postgres":
		return dispute.NewPGStore(s.pool), nil
	case "badger":
		store, err := dispute.NewBadgerStore(s.cfg.Datadir, log.StandardLogger())
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		s.badger = store
		return store, nil
	default:
		return dispute.NewMemoryStore(), nil
	}
}

func (s *service) escrow() (escrow.Token, escrow.Collateral) {
	if s.cfg.EscrowType == "postgres" {
		return escrow.NewPGToken(s.pool), escrow.NewPGCollateral(s.pool)
	}
	return escrow.NewMemoryToken(), escrow.NewMemoryCollateral()
}

func (s *service) Start() error {
	g := new(errgroup.Group)
	g.Go(func() error {
		log.Infof("listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			return err
		}
		return nil
	})
	s.group = g
	return nil
}

func (s *service) Stop() {
	select {
	case <-s.stopped:
		return
	default:
		close(s.stopped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			log.WithError(err).Warn("http server exited with error")
		}
	}
	s.close()
	log.Info("service stopped")
}

func (s *service) close() {
	if s.badger != nil {
		if err := s.badger.Close(); err != nil {
			log.WithError(err).Warn("close badger store")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
