// Package backendtest is an in-memory implementation of the REST backend.
// Sync tests run against it and `orgkeeper devserver` serves it.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

// Fault lets a test fail selected requests. A non-zero status is written
// instead of handling the request.
type Fault func(r *http.Request, table string, id int64) int

type Server struct {
	mu     sync.Mutex
	tables map[string]map[int64]models.Record
	calls  map[string]int
	fault  Fault

	// Token, when set, is the only bearer token accepted.
	Token string
	// Tombstones keeps deleted rows as {"deleted": true} records so other
	// devices learn about the delete on their next pull.
	Tombstones bool
	// Now stamps tombstones.
	Now func() time.Time

	log  logger.LoggerInterface
	http *httptest.Server
}

func New(log logger.LoggerInterface) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		tables: make(map[string]map[int64]models.Record),
		calls:  make(map[string]int),
		Now:    time.Now,
		log:    log,
	}
}

// Start serves the backend on a loopback port and returns its URL.
func (s *Server) Start() string {
	s.http = httptest.NewServer(s.Handler())
	return s.http.URL
}

func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
	}
}

// SetFault installs (or, with nil, removes) a fault hook.
func (s *Server) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Route("/rest/{table}", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleUpsert)
		r.Patch("/{id}", s.handlePatch)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Calls returns how many requests with method reached table.
func (s *Server) Calls(method, table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+table]
}

// TotalCalls returns the number of requests handled.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Put stores rec directly, bypassing the API.
func (s *Server) Put(table string, rec models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := rec.ID()
	s.table(table)[id] = rec.Clone()
}

// Row returns a copy of the stored row, tombstones included.
func (s *Server) Row(table string, id int64) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[table][id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Rows returns ownerID's live rows of table ordered by id.
func (s *Server) Rows(table, ownerID string) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Record
	for _, rec := range s.tables[table] {
		if rec.OwnerID() == ownerID && !rec.Deleted() {
			out = append(out, rec.Clone())
		}
	}
	sortByID(out)
	return out
}

func (s *Server) table(name string) map[int64]models.Record {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[int64]models.Record)
		s.tables[name] = t
	}
	return t
}

// begin counts the request and applies the fault hook. It reports false when
// the response was already written.
func (s *Server) begin(w http.ResponseWriter, r *http.Request, table string, id int64) bool {
	s.mu.Lock()
	s.calls[r.Method+" "+table]++
	fault := s.fault
	s.mu.Unlock()

	s.log.Printf("backend: %s %s", r.Method, r.URL.RequestURI())

	if fault != nil {
		if code := fault(r, table, id); code != 0 {
			writeError(w, code, "injected fault")
			return false
		}
	}
	return true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !s.begin(w, r, table, 0) {
		return
	}
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := models.AsTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		since = t
	}

	s.mu.Lock()
	var out []models.Record
	for _, rec := range s.tables[table] {
		if rec.OwnerID() != owner {
			continue
		}
		if !since.IsZero() {
			at, err := rec.UpdatedAt()
			if err == nil && at.Before(since) {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()

	sortByID(out)
	if out == nil {
		out = []models.Record{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	rec, ok := readRecord(w, r)
	if !ok {
		return
	}
	id, hasID := rec.ID()
	if !s.begin(w, r, table, id) {
		return
	}
	if !hasID || rec.OwnerID() == "" {
		writeError(w, http.StatusBadRequest, "id and owner_id are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if existing, ok := t[id]; ok && existing.OwnerID() != rec.OwnerID() {
		writeError(w, http.StatusForbidden, "row belongs to another owner")
		return
	}
	t[id] = rec
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	if !s.begin(w, r, table, id) {
		return
	}
	patch, ok := readRecord(w, r)
	if !ok {
		return
	}
	owner := r.URL.Query().Get("owner_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found := s.table(table)[id]
	if !found || existing.Deleted() || existing.OwnerID() != owner {
		writeError(w, http.StatusNotFound, "no such row")
		return
	}
	if o := patch.OwnerID(); o != "" && o != owner {
		writeError(w, http.StatusForbidden, "owner_id cannot change")
		return
	}
	for k, v := range patch {
		if k == models.ColID {
			continue
		}
		existing[k] = v
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	if !s.begin(w, r, table, id) {
		return
	}
	owner := r.URL.Query().Get("owner_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	existing, found := t[id]
	if !found || existing.Deleted() || existing.OwnerID() != owner {
		writeError(w, http.StatusNotFound, "no such row")
		return
	}
	if s.Tombstones {
		t[id] = models.Record{
			models.ColID:        id,
			models.ColOwnerID:   owner,
			models.ColUpdatedAt: models.FormatTime(s.Now()),
			models.ColDeleted:   true,
		}
	} else {
		delete(t, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func readRecord(w http.ResponseWriter, r *http.Request) (models.Record, bool) {
	var rec models.Record
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil || rec == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	return rec, true
}

func sortByID(recs []models.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, _ := recs[i].ID()
		b, _ := recs[j].ID()
		return a < b
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": strings.TrimSpace(msg)})
}
