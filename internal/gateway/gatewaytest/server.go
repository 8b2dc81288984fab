// Package gatewaytest runs an in-memory remote routine authority behind an
// httptest.Server, for tests, scenarios and local demos.
//
// The fake partitions data by caller identity (bearer token or guest id),
// applies complete-batch events at most once per opId, computes monthly
// statistics with the same rule as the local projector, and can inject
// failures per path.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/ids"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/stats"
)

// Failure describes an injected fault.
type Failure struct {
	// Status, when non-zero, is returned instead of handling the request.
	Status int

	// Drop aborts the connection without a response (a transport error on
	// the client).
	Drop bool

	// NotOK handles nothing and replies {"ok": false}.
	NotOK bool
}

// Request is one logged call.
type Request struct {
	Method  string
	Path    string
	Owner   model.OwnerKey
	Bearer  bool
	GuestID bool
}

type partition struct {
	routines map[string]gateway.RoutineDTO
	order    []string
	ops      map[string]gateway.CompletionItem
	opOrder  []string
}

func newPartition() *partition {
	return &partition{
		routines: make(map[string]gateway.RoutineDTO),
		ops:      make(map[string]gateway.CompletionItem),
	}
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for createdAt.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithIDs sets the routine id generator (default "r1", "r2", ...).
func WithIDs(g ids.Generator) Option {
	return func(s *Server) { s.ids = g }
}

// Server is the fake remote.
//
// Thread-safety: all methods are safe for concurrent use.
type Server struct {
	clock clock.Clock
	ids   ids.Generator
	http  *httptest.Server

	mu         sync.Mutex
	tokens     map[string]string // bearer token -> user id
	partitions map[model.OwnerKey]*partition
	failures   map[string][]Failure
	offline    bool
	latency    time.Duration
	requests   []Request
}

// New starts a server. Call Close when done.
func New(opts ...Option) *Server {
	s := &Server{
		clock:      clock.System{},
		ids:        newRoutineIDs(),
		tokens:     make(map[string]string),
		partitions: make(map[model.OwnerKey]*partition),
		failures:   make(map[string][]Failure),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = httptest.NewServer(s.Router())
	return s
}

// URL returns the base URL for gateway.NewClient.
func (s *Server) URL() string { return s.http.URL }

// Close shuts the server down.
func (s *Server) Close() { s.http.Close() }

// Router returns the chi router serving the remote API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.gate)

	r.Route(gateway.PathRoutines, func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Post("/update", s.handleUpdate)
		r.Post("/delete", s.handleDelete)
		r.Post("/complete-batch", s.handleCompleteBatch)
		r.Get("/completions-monthly", s.handleMonthly)
		r.Get("/{id}", s.handleGet)
	})
	return r
}

// RegisterUser makes token authenticate as userID.
func (s *Server) RegisterUser(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
}

// FailNext makes the next times requests to path fail with f.
func (s *Server) FailNext(path string, f Failure, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range times {
		s.failures[path] = append(s.failures[path], f)
	}
}

// SetOffline drops every connection while offline is true.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetLatency delays every response by d.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Seed stores a routine directly in owner's partition.
func (s *Server) Seed(owner model.OwnerKey, dto gateway.RoutineDTO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(owner).put(dto)
}

// Routines returns owner's routines in creation order.
func (s *Server) Routines(owner model.OwnerKey) []gateway.RoutineDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(owner)
	out := make([]gateway.RoutineDTO, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.routines[id])
	}
	return out
}

// Completions returns owner's applied completion events in arrival order.
func (s *Server) Completions(owner model.OwnerKey) []gateway.CompletionItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(owner)
	out := make([]gateway.CompletionItem, 0, len(p.opOrder))
	for _, op := range p.opOrder {
		out = append(out, p.ops[op])
	}
	return out
}

// Requests returns every logged request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// RequestCount returns how many requests hit method and path.
func (s *Server) RequestCount(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// partition must be called with s.mu held.
func (s *Server) partition(owner model.OwnerKey) *partition {
	p, ok := s.partitions[owner]
	if !ok {
		p = newPartition()
		s.partitions[owner] = p
	}
	return p
}

func (p *partition) put(dto gateway.RoutineDTO) {
	if _, ok := p.routines[dto.ID]; !ok {
		p.order = append(p.order, dto.ID)
	}
	p.routines[dto.ID] = dto
}

func (p *partition) remove(id string) {
	delete(p.routines, id)
	p.order = slices.DeleteFunc(p.order, func(x string) bool { return x == id })
}

type ownerCtxKey struct{}

// gate resolves the caller, logs the request and applies injected faults.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, status, msg := s.resolveOwner(r)

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:  r.Method,
			Path:    r.URL.Path,
			Owner:   owner,
			Bearer:  r.Header.Get(identity.HeaderAuthorization) != "",
			GuestID: r.Header.Get(identity.HeaderGuestID) != "",
		})
		offline := s.offline
		latency := s.latency
		var fault *Failure
		if q := s.failures[r.URL.Path]; len(q) > 0 {
			f := q[0]
			fault = &f
			s.failures[r.URL.Path] = q[1:]
		}
		s.mu.Unlock()

		if latency > 0 {
			time.Sleep(latency)
		}
		if offline || (fault != nil && fault.Drop) {
			panic(http.ErrAbortHandler)
		}
		if fault != nil && fault.Status != 0 {
			writeError(w, fault.Status, "injected failure")
			return
		}
		if fault != nil && fault.NotOK {
			if r.URL.Path == gateway.PathCompleteBatch {
				writeJSON(w, http.StatusOK, gateway.CompleteBatchResponse{OK: false})
			} else {
				writeJSON(w, http.StatusOK, gateway.OKResponse{OK: false})
			}
			return
		}
		if status != 0 {
			writeError(w, status, msg)
			return
		}

		next.ServeHTTP(w, r.WithContext(withOwner(r, owner)))
	})
}

func (s *Server) resolveOwner(r *http.Request) (model.OwnerKey, int, string) {
	auth := r.Header.Get(identity.HeaderAuthorization)
	guest := r.Header.Get(identity.HeaderGuestID)

	switch {
	case auth != "" && guest != "":
		return "", http.StatusBadRequest, "both bearer token and guest id present"
	case auth != "":
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return "", http.StatusUnauthorized, "malformed authorization header"
		}
		s.mu.Lock()
		userID, known := s.tokens[token]
		s.mu.Unlock()
		if !known {
			return "", http.StatusUnauthorized, "unknown token"
		}
		return model.UserOwner(userID), 0, ""
	case guest != "":
		return model.GuestOwner(guest), 0, ""
	default:
		return "", http.StatusUnauthorized, "missing credentials"
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gateway.ListRoutinesResponse{Items: s.Routines(ownerOf(r))})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	dto, ok := s.partition(ownerOf(r)).routines[id]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("routine %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateRoutineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	fields := req.Fields().Normalize()
	if err := fields.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	dto := gateway.DTOFromRoutine(model.Routine{
		ID:            s.ids.Generate(),
		Name:          fields.Name,
		Cadence:       fields.Cadence,
		StartDate:     fields.StartDate,
		EndDate:       fields.EndDate,
		NotifyEnabled: fields.NotifyEnabled,
		NotifyTime:    fields.NotifyTime,
		Timezone:      fields.Timezone,
		Tags:          fields.Tags,
		CreatedAt:     s.clock.Now().UTC(),
	})

	s.mu.Lock()
	s.partition(ownerOf(r)).put(dto)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, gateway.CreateRoutineResponse{ID: dto.ID, CreatedAt: dto.CreatedAt})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req gateway.UpdateRoutineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partition(ownerOf(r))
	cur, ok := p.routines[req.ID]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("routine %q not found", req.ID))
		return
	}
	next := req.Patch.Apply(cur.Routine())
	if err := next.Fields().Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	p.put(gateway.DTOFromRoutine(next))
	writeJSON(w, http.StatusOK, gateway.OKResponse{OK: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req gateway.DeleteRoutineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partition(ownerOf(r))
	if _, ok := p.routines[req.ID]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("routine %q not found", req.ID))
		return
	}
	p.remove(req.ID)
	writeJSON(w, http.StatusOK, gateway.OKResponse{OK: true})
}

func (s *Server) handleCompleteBatch(w http.ResponseWriter, r *http.Request) {
	var req gateway.CompleteBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partition(ownerOf(r))
	processed := 0
	for _, item := range req.Items {
		if item.OpID == "" {
			writeError(w, http.StatusBadRequest, "item without opId")
			return
		}
		if _, seen := p.ops[item.OpID]; seen {
			continue
		}
		p.ops[item.OpID] = item
		p.opOrder = append(p.opOrder, item.OpID)
		processed++
	}
	writeJSON(w, http.StatusOK, gateway.CompleteBatchResponse{OK: true, Processed: processed})
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	tz := r.URL.Query().Get("tz")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tz")
		return
	}
	month, err := model.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid month")
		return
	}

	s.mu.Lock()
	p := s.partition(ownerOf(r))
	routines := make([]model.Routine, 0, len(p.order))
	for _, id := range p.order {
		routines = append(routines, p.routines[id].Routine())
	}
	marks := make([]model.CompletionMark, 0, len(p.opOrder))
	for _, op := range p.opOrder {
		item := p.ops[op]
		marks = append(marks, model.CompletionMark{
			RoutineID: item.RoutineID,
			Date:      model.DateOf(item.CompletedAt.In(loc)),
			Completed: true,
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, stats.Compute(routines, marks, month, tz))
}

func withOwner(r *http.Request, owner model.OwnerKey) context.Context {
	return context.WithValue(r.Context(), ownerCtxKey{}, owner)
}

func ownerOf(r *http.Request) model.OwnerKey {
	owner, _ := r.Context().Value(ownerCtxKey{}).(model.OwnerKey)
	return owner
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, gateway.ErrorResponse{Error: message})
}

// routineIDs yields "r1", "r2", ...
type routineIDs struct {
	mu sync.Mutex
	n  int
}

func newRoutineIDs() *routineIDs { return &routineIDs{} }

func (g *routineIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("r%d", g.n)
}
