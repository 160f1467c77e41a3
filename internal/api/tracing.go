package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/db"
	"github.com/labgrid-project/labgrid-go/internal/models"
	"github.com/go-chi/chi/v5"
)

// Lightweight in-memory request tracing. Each request carries a Trace with
// events; completed traces land in a ring buffer and the database.

type TraceEvent struct {
	Time   time.Time      `json:"time"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Trace struct {
	ID        string        `json:"id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	User      string        `json:"user,omitempty"`
	RemoteIP  string        `json:"remoteIp,omitempty"`
	ReqBytes  int64         `json:"reqBytes,omitempty"`
	RespBytes int64         `json:"respBytes,omitempty"`
	Started   time.Time     `json:"started"`
	Ended     time.Time     `json:"ended"`
	Duration  time.Duration `json:"duration"`
	Events    []TraceEvent  `json:"events"`
}

type traceStore struct {
	mu   sync.RWMutex
	buf  []*Trace
	next int
	size int
}

var traces = &traceStore{buf: make([]*Trace, 1000), size: 1000}

func (s *traceStore) add(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = t
	s.next = (s.next + 1) % s.size
}

// all returns up to n traces, newest first.
func (s *traceStore) all(n int) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trace, 0, n)
	for i := 1; i <= s.size && len(out) < n; i++ {
		t := s.buf[(s.next-i+s.size)%s.size]
		if t == nil {
			break
		}
		out = append(out, t)
	}
	return out
}

func (s *traceStore) get(id string) *Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.buf {
		if t != nil && t.ID == id {
			return t
		}
	}
	return nil
}

// persistTrace stores the finished trace so it survives restarts.
func persistTrace(t *Trace) {
	if t == nil || db.DB == nil {
		return
	}
	row := models.TraceRow{
		ID:         t.ID,
		Method:     t.Method,
		Path:       t.Path,
		Status:     t.Status,
		User:       t.User,
		RemoteIP:   t.RemoteIP,
		ReqBytes:   t.ReqBytes,
		RespBytes:  t.RespBytes,
		Started:    t.Started,
		Ended:      t.Ended,
		DurationNs: int64(t.Duration),
	}
	_ = db.DB.Save(&row).Error
}

type ctxKey int

const traceKey ctxKey = 1

func traceFrom(ctx context.Context) *Trace {
	if t, ok := ctx.Value(traceKey).(*Trace); ok {
		return t
	}
	return nil
}

func withTraceCtx(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey, t)
}

func newTraceID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

func addEvent(r *http.Request, name string, fields map[string]any) {
	if t := traceFrom(r.Context()); t != nil {
		t.Events = append(t.Events, TraceEvent{Time: time.Now(), Name: name, Fields: fields})
	}
}

// respondError records an error event into the current trace and writes the
// error as JSON so clients can surface the message.
func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	addEvent(r, "error", map[string]any{"code": code, "message": msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// HTTP handlers for the trace API

// traceRecent serves from the in-memory ring (which still has the events),
// falling back to the persisted rows after a restart.
func traceRecent(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if out := traces.all(limit); len(out) > 0 {
		writeJSON(w, out)
		return
	}
	var rows []models.TraceRow
	_ = db.DB.Order("started desc").Limit(limit).Find(&rows).Error
	out := make([]*Trace, 0, len(rows))
	for _, row := range rows {
		out = append(out, traceFromRow(row))
	}
	writeJSON(w, out)
}

func traceGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, r, 400, "missing id")
		return
	}
	if t := traces.get(id); t != nil {
		writeJSON(w, t)
		return
	}
	var row models.TraceRow
	if err := db.DB.First(&row, "id = ?", id).Error; err != nil {
		respondError(w, r, 404, "not found")
		return
	}
	writeJSON(w, traceFromRow(row))
}

func traceFromRow(row models.TraceRow) *Trace {
	return &Trace{
		ID:        row.ID,
		Method:    row.Method,
		Path:      row.Path,
		Status:    row.Status,
		User:      row.User,
		RemoteIP:  row.RemoteIP,
		ReqBytes:  row.ReqBytes,
		RespBytes: row.RespBytes,
		Started:   row.Started,
		Ended:     row.Ended,
		Duration:  time.Duration(row.DurationNs),
	}
}
