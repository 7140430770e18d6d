package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"disputeflow/access"
	"disputeflow/auth"
	"disputeflow/dispute"
	"disputeflow/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

type callerKey struct{}

// Server exposes the dispute ledger over HTTP. Every mutating route runs as
// the address carried by the bearer token.
type Server struct {
	ledger *dispute.Ledger
	acl    *access.Controller
	auth   *auth.Service
	token  escrow.Token
	vault  common.Address
}

func NewServer(ledger *dispute.Ledger, acl *access.Controller, authService *auth.Service, token escrow.Token, vault common.Address) *Server {
	return &Server{
		ledger: ledger,
		acl:    acl,
		auth:   authService,
		token:  token,
		vault:  vault,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", s.handleRegister)
		api.Post("/auth/login", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireCaller)

			authed.Get("/disputes", s.handleListDisputes)
			authed.Post("/disputes", s.handleCreateDispute)
			authed.Route("/disputes/{index}", func(d chi.Router) {
				d.Get("/", s.handleGetDispute)
				d.Get("/votes", s.handleListVotes)
				d.Post("/votes", s.handleCastVote)
				d.Post("/signed-votes", s.handleSignedVotes)
				d.Get("/events", s.handleEvents)
				d.Post("/arbiters", s.handleAddArbiter)
				d.Delete("/arbiters/{address}", s.handleRemoveArbiter)
				d.Post("/finalize", s.handleFinalize)
				d.Post("/cancel", s.handleCancel)
				d.Post("/claim", s.handleClaim)
				d.Post("/toggle-auto", s.handleToggleAuto)
				d.Post("/toggle-claim", s.handleToggleClaim)
				d.Put("/sides/{side}", s.handleUpdateSide)
			})

			authed.Get("/escrow", s.handleEscrow)

			authed.Get("/roles/{role}/members", s.handleRoleMembers)
			authed.Post("/roles/{role}/members", s.handleGrantRole)
			authed.Delete("/roles/{role}/members/{address}", s.handleRevokeRole)
		})
	})
	return r
}

func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		caller, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(ctx context.Context) common.Address {
	caller, _ := ctx.Value(callerKey{}).(common.Address)
	return caller
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}
