// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package admin is the HTTP control surface: pause flags, earmark and
// operation inspection, cancellation, queue depths and manual triggers. It is
// a thin layer over the operations store; everything interesting happens in
// the engine and the queue.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/queue"
	"github.com/everclearorg/mark/store"
)

// Store is the slice of the operations store the admin surface uses.
type Store interface {
	ListEarmarks(ctx context.Context, filter store.EarmarkFilter) ([]*core.Earmark, error)
	GetEarmark(ctx context.Context, id string) (*core.Earmark, error)
	CancelEarmark(ctx context.Context, id string) error
	ListOperations(ctx context.Context, filter store.OperationFilter) ([]*core.RebalanceOperation, error)
	GetOperation(ctx context.Context, id string) (*core.RebalanceOperation, error)
	CancelOperation(ctx context.Context, id string) error
	SetPauseFlag(ctx context.Context, flag store.PauseFlag, paused bool) error
	IsPaused(ctx context.Context, flag store.PauseFlag) (bool, error)
}

// Queue is the slice of the event queue the admin surface uses.
type Queue interface {
	QueueDepths(ctx context.Context) (*queue.Depths, error)
	SetPaused(ctx context.Context, paused bool) error
	Enqueue(ctx context.Context, event *core.QueuedEvent, force bool) (bool, error)
}

// PurchasePauser mirrors the purchase pause flag into the purchase cache,
// where the event processor reads it.
type PurchasePauser interface {
	SetPaused(ctx context.Context, paused bool) error
}

// Ticker triggers an immediate engine pass.
type Ticker interface {
	Tick(ctx context.Context)
}

// Server is the admin HTTP server.
type Server struct {
	store   Store
	queue   Queue
	pauser  PurchasePauser
	engine  Ticker
	token   string
	log     log.Logger
	handler http.Handler
}

// New creates a Server authenticated by the given admin token.
func New(st Store, q Queue, pauser PurchasePauser, engine Ticker, token string) *Server {
	s := &Server{
		store:  st,
		queue:  q,
		pauser: pauser,
		engine: engine,
		token:  token,
		log:    log.New("component", "admin"),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/pause/{flag}", s.handlePause(true)).Methods(http.MethodPost)
	api.HandleFunc("/unpause/{flag}", s.handlePause(false)).Methods(http.MethodPost)
	api.HandleFunc("/earmarks", s.handleListEarmarks).Methods(http.MethodGet)
	api.HandleFunc("/earmarks/{id}", s.handleGetEarmark).Methods(http.MethodGet)
	api.HandleFunc("/earmarks/{id}", s.handleCancelEarmark).Methods(http.MethodDelete)
	api.HandleFunc("/operations", s.handleListOperations).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}", s.handleGetOperation).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}", s.handleCancelOperation).Methods(http.MethodDelete)
	api.HandleFunc("/queue/depths", s.handleQueueDepths).Methods(http.MethodGet)
	api.HandleFunc("/triggers/rebalance", s.handleTriggerRebalance).Methods(http.MethodPost)
	api.HandleFunc("/triggers/intent", s.handleTriggerIntent).Methods(http.MethodPost)

	s.handler = r
	return s
}

// Handler returns the routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("admin server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || r.Header.Get("x-admin-token") != s.token {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError always carries the original message in a top-level error field.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
