// Package server exposes the audit subsystem to the UI boundary and to
// the entity services over a JSON HTTP API.
//
//	POST /api/events            — append an audit event (producers only)
//	GET  /api/log               — paginated, filterable log query
//	POST /api/integrity/verify  — full on-demand chain verification
//	GET  /api/stats             — ledger statistics
//	POST /api/integrity/check   — trigger a background integrity pass
//	GET  /api/integrity/status  — cached integrity status, O(1)
//	GET  /api/integrity/range   — verify an id range
//	GET  /api/latest            — highest assigned entry id
//	GET  /ws                    — live entry feed (WebSocket)
//	GET  /health, GET /         — health check and status page
//
// While a restore is in progress every operation returns a neutral,
// empty response instead of touching the store — the table may be
// mid-replacement.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/recaudit/recaudit/internal/ledger"
	"github.com/recaudit/recaudit/internal/restore"
	"github.com/recaudit/recaudit/internal/scheduler"
	"github.com/recaudit/recaudit/internal/store"
	"github.com/recaudit/recaudit/internal/verify"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Store     *store.Store
	Verifier  *verify.Verifier
	Scheduler *scheduler.Scheduler
	Guard     *restore.Guard
	// FeedEnabled serves /ws and the status page when set.
	FeedEnabled bool
}

// Server routes audit API requests. Construct with New, mount Handler.
type Server struct {
	store     *store.Store
	verifier  *verify.Verifier
	scheduler *scheduler.Scheduler
	guard     *restore.Guard
	feed      bool
	hub       *feedHub
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		store:     opts.Store,
		verifier:  opts.Verifier,
		scheduler: opts.Scheduler,
		guard:     opts.Guard,
		feed:      opts.FeedEnabled,
		hub:       newFeedHub(),
	}
}

// Handler returns the full route tree wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/events", s.handleAppend)
	mux.HandleFunc("/api/log", s.handleLog)
	mux.HandleFunc("/api/integrity/verify", s.handleVerify)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/integrity/check", s.handleCheck)
	mux.HandleFunc("/api/integrity/status", s.handleStatus)
	mux.HandleFunc("/api/integrity/range", s.handleRange)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/health", s.handleHealth)

	if s.feed {
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("/", s.handleStatusPage)
	}

	return s.logRequests(mux)
}

// appendRequest is the producer-facing append payload. Timestamps and
// chain fields are never accepted from callers.
type appendRequest struct {
	ActorID    string        `json:"actor_id"`
	ActorName  string        `json:"actor_name"`
	Action     ledger.Action `json:"action"`
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Details    any           `json:"details"`
}

// handleAppend is the single producer entry point into the chain.
// POST /api/events
//
// Producers must not roll back their own business transaction on a 5xx
// from this endpoint: the failure is recorded on the operational log,
// and the resulting gap is a finding the verifier reports.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" || req.Action == "" {
		http.Error(w, "actor_id and action are required", http.StatusBadRequest)
		return
	}

	entry, err := s.store.Append(r.Context(), ledger.Event{
		ActorID:    req.ActorID,
		ActorName:  req.ActorName,
		Action:     req.Action,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Details:    req.Details,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAmbiguousDetails) {
			// Programming error in the producer — reject rather than
			// write an entry that can never be re-verified.
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("audit append failed", "action", req.Action, "actor", req.ActorID, "error", err)
		http.Error(w, "append failed", http.StatusInternalServerError)
		return
	}

	s.scheduler.NoteAppend(entry.ID)
	s.broadcast(entry)
	writeJSON(w, http.StatusCreated, entry)
}

// handleLog serves the paginated log query. Display path only — no hash
// verification happens here.
// GET /api/log?actor=&entityType=&entityId=&action=&from=&to=&q=&page=&pageSize=
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	q := r.URL.Query()
	filter := store.Filter{
		ActorID:    q.Get("actor"),
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Action:     ledger.Action(q.Get("action")),
		Text:       q.Get("q"),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		http.Error(w, "invalid from timestamp", http.StatusBadRequest)
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		http.Error(w, "invalid to timestamp", http.StatusBadRequest)
		return
	}

	page := store.Page{
		Number: atoiDefault(q.Get("page"), 1),
		Size:   atoiDefault(q.Get("pageSize"), 50),
	}

	result, err := s.store.Query(r.Context(), filter, page)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVerify runs a full, potentially expensive chain verification.
// POST /api/integrity/verify
//
// The scan itself is an administrative action, so a completed run is
// appended to the ledger as an INTEGRITY_CHECK entry.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	var actor appendRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&actor) // optional body, ignore errors
	}

	result, err := s.verifier.VerifyAll(r.Context())
	if err != nil {
		slog.Error("integrity verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	s.auditVerifyRun(r, actor, result)
	writeJSON(w, http.StatusOK, result)
}

// auditVerifyRun records a completed on-demand scan in the ledger.
// Best-effort: a failed self-audit is logged, never surfaced to the caller.
func (s *Server) auditVerifyRun(r *http.Request, actor appendRequest, result verify.FullResult) {
	actorID := actor.ActorID
	if actorID == "" {
		actorID = "system"
	}
	entry, err := s.store.Append(r.Context(), ledger.Event{
		ActorID:   actorID,
		ActorName: actor.ActorName,
		Action:    ledger.ActionIntegrityCheck,
		Details: map[string]any{
			"valid":            result.Valid,
			"entries_checked":  result.EntriesChecked,
			"first_invalid_id": result.FirstInvalidID(),
		},
	})
	if err != nil {
		slog.Error("audit append failed", "action", ledger.ActionIntegrityCheck, "error", err)
		return
	}
	s.scheduler.NoteAppend(entry.ID)
	s.broadcast(entry)
}

// handleStats returns ledger statistics.
// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		slog.Error("stats query failed", "error", err)
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCheck triggers a background integrity pass. Fire-and-forget —
// the result is retrieved later via /api/integrity/status.
// POST /api/integrity/check
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	s.scheduler.TriggerNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// handleStatus returns the cached integrity status. O(1), never touches
// the store.
// GET /api/integrity/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleRange verifies one inclusive id range.
// GET /api/integrity/range?start=1&end=100
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	start, err1 := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	end, err2 := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if err1 != nil || err2 != nil || start < 1 || end < start {
		http.Error(w, "start and end must form a valid id range", http.StatusBadRequest)
		return
	}

	result, err := s.verifier.VerifyRange(r.Context(), start, end)
	if err != nil {
		slog.Error("range verification failed", "start", start, "end", end, "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLatest returns the highest assigned entry id.
// GET /api/latest
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if s.restoring(w) {
		return
	}

	id, err := s.store.LatestID(r.Context())
	if err != nil {
		slog.Error("latest id query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"latest_id": id})
}

// handleHealth is used by the CLI to detect a running service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"restore_in_progress": s.guard.Active(),
	})
}

// restoring writes the neutral restore response and reports whether the
// request should stop here. Defined empty shape, not an error: the
// table may be mid-replacement, so nothing touches the store.
func (s *Server) restoring(w http.ResponseWriter) bool {
	if !s.guard.Active() {
		return false
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restore_in_progress": true})
	return true
}

// broadcast pushes an appended entry to live feed clients. Best-effort.
func (s *Server) broadcast(e ledger.Entry) {
	if !s.feed {
		return
	}
	s.hub.publish(e)
}

// logRequests wraps the mux with per-request logging. Each request gets
// a correlation id so operational log lines can be tied together.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		requestID := uuid.NewString()

		next.ServeHTTP(rw, r)

		slog.Info("http request",
			"id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start))
	})
}

// statusWriter captures the response status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the underlying writer so the WebSocket
// upgrade works behind the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// parseTime parses an optional RFC3339 query parameter.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// atoiDefault parses a positive integer, falling back on def.
func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
