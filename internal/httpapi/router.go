// Package httpapi is the operator HTTP surface: trigger a tick, inspect rules
// and their executions, scrape metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rulekeeper/internal/metrics"
	"rulekeeper/internal/rules"
	"rulekeeper/internal/scheduler"
	"rulekeeper/internal/storage"
	logx "rulekeeper/pkg/logx"
)

// Deps are the collaborators the handlers read from.
type Deps struct {
	Store    storage.Store
	Tick     scheduler.Ticker
	Registry *rules.Registry
	Executor *rules.Executor
	Metrics  *metrics.Metrics
	Log      logx.Logger
	// Profiler mounts net/http/pprof under /debug.
	Profiler bool
	// RequestTimeout bounds every request. Zero means 60s.
	RequestTimeout time.Duration
}

type api struct {
	d   Deps
	log logx.Logger
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{d: d, log: log.With(logx.String("comp", "http"))}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/tick", a.handleTick)
		r.Get("/handlers", a.handleHandlers)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", a.handleListRules)
			r.Get("/{ruleID}", a.handleGetRule)
			r.Get("/{ruleID}/executions", a.handleListExecutions)
		})
	})
	r.Handle("/metrics", d.Metrics.Handler())
	if d.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.d.Metrics.ObserveHTTP(r.Method, status)
		a.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.d.Store == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "storage disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := a.d.Store.ListRules(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	body := map[string]any{"status": "healthy"}
	if a.d.Registry != nil {
		body["handlers"] = len(a.d.Registry.List())
	}
	respondJSON(w, http.StatusOK, body)
}

func (a *api) handleTick(w http.ResponseWriter, r *http.Request) {
	if a.d.Tick == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler unavailable", nil)
		return
	}
	var req scheduler.TickRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	resp, err := a.d.Tick.Execute(r.Context(), req)
	if err != nil {
		if scheduler.IsRequestError(err) {
			respondError(w, http.StatusUnprocessableEntity, "invalid tick request", err)
			return
		}
		a.log.Error("tick failed", logx.Err(err))
		respondError(w, http.StatusInternalServerError, "tick failed", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type handlerView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ChainNext   string   `json:"chain_next,omitempty"`
	Source      string   `json:"source"`
}

func (a *api) handleHandlers(w http.ResponseWriter, _ *http.Request) {
	out := []handlerView{}
	if a.d.Registry != nil {
		for _, d := range a.d.Registry.List() {
			out = append(out, handlerView{Name: d.Name, Description: d.Description, Tags: d.Tags, ChainNext: d.ChainNext, Source: "registry"})
		}
	}
	if a.d.Executor != nil {
		for _, name := range a.d.Executor.ExternalNames() {
			out = append(out, handlerView{Name: name, Source: "manifest"})
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *api) handleListRules(w http.ResponseWriter, r *http.Request) {
	if a.d.Store == nil {
		respondError(w, http.StatusServiceUnavailable, "storage disabled", nil)
		return
	}
	list, err := a.d.Store.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list rules failed", err)
		return
	}
	if list == nil {
		list = []storage.Rule{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (a *api) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.lookupRule(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (a *api) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.lookupRule(w, r)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 500", err)
			return
		}
		limit = n
	}
	list, err := a.d.Store.ListExecutions(r.Context(), rule.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list executions failed", err)
		return
	}
	if list == nil {
		list = []storage.Execution{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (a *api) lookupRule(w http.ResponseWriter, r *http.Request) (storage.Rule, bool) {
	if a.d.Store == nil {
		respondError(w, http.StatusServiceUnavailable, "storage disabled", nil)
		return storage.Rule{}, false
	}
	rule, err := storage.FindRule(r.Context(), a.d.Store, chi.URLParam(r, "ruleID"))
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return storage.Rule{}, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup rule failed", err)
		return storage.Rule{}, false
	}
	return rule, true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
