// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
	"github.com/everclearorg/mark/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flag := store.PauseFlag(mux.Vars(r)["flag"])
		switch flag {
		case store.PauseRebalance, store.PauseOnDemand, store.PausePurchase:
		default:
			writeError(w, http.StatusBadRequest, "unknown pause flag: "+string(flag))
			return
		}
		if err := s.store.SetPauseFlag(r.Context(), flag, paused); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// the event processor reads the purchase flag from the cache
		if flag == store.PausePurchase && s.pauser != nil {
			if err := s.pauser.SetPaused(r.Context(), paused); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		s.log.Info("pause flag updated", "flag", flag, "paused", paused)
		writeJSON(w, http.StatusOK, map[string]any{"flag": flag, "paused": paused})
	}
}

func (s *Server) handleListEarmarks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.EarmarkFilter{
		Status:    core.EarmarkStatus(r.URL.Query().Get("status")),
		InvoiceID: r.URL.Query().Get("invoiceId"),
		Limit:     limit,
		Offset:    offset,
	}
	earmarks, err := s.store.ListEarmarks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"earmarks": earmarks})
}

func (s *Server) handleGetEarmark(w http.ResponseWriter, r *http.Request) {
	earmark, err := s.store.GetEarmark(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if earmark == nil {
		writeError(w, http.StatusNotFound, "earmark not found")
		return
	}
	writeJSON(w, http.StatusOK, earmark)
}

func (s *Server) handleCancelEarmark(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.CancelEarmark(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(core.EarmarkCancelled)})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.OperationFilter{
		ChainID:   r.URL.Query().Get("chainId"),
		EarmarkID: r.URL.Query().Get("earmarkId"),
		Limit:     limit,
		Offset:    offset,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []core.OperationStatus{core.OperationStatus(status)}
	}
	operations, err := s.store.ListOperations(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": operations})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.store.GetOperation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if op == nil {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.CancelOperation(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(core.OperationCancelled)})
}

func (s *Server) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queue.QueueDepths(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *Server) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	// the tick outlives this request
	go s.engine.Tick(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "tick scheduled"})
}

// handleTriggerIntent re-enqueues an invoice for immediate processing.
func (s *Server) handleTriggerIntent(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.URL.Query().Get("invoiceId")
	if invoiceID == "" {
		writeError(w, http.StatusBadRequest, "invoiceId is required")
		return
	}
	added, err := s.queue.Enqueue(r.Context(), &core.QueuedEvent{
		ID:          invoiceID,
		Type:        core.EventInvoiceEnqueued,
		Priority:    core.PriorityHigh,
		MaxRetries:  core.RetryForever,
		ScheduledAt: time.Now().UnixMilli(),
	}, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"invoiceId": invoiceID, "enqueued": added})
}

// pagination parses limit/offset, clamping limit to the configured maximum.
func pagination(r *http.Request) (int, int, error) {
	limit := config.ListLimitMax
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return 0, 0, errors.Errorf("invalid limit %q", v)
		}
		if parsed > config.ListLimitMax {
			parsed = config.ListLimitMax
		}
		limit = parsed
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return 0, 0, errors.Errorf("invalid offset %q", v)
		}
		offset = parsed
	}
	return limit, offset, nil
}
