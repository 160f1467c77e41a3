// Package logging provides the structured key/value logger shared by the
// coordinator, exporter, and client binaries. Entries are kept in an
// in-memory ring for the coordinator's recent-logs API, can be streamed to
// live subscribers, and can be persisted through an optional hook.
package logging

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)
}

// Entry is a single structured log record.
type Entry struct {
	Time   time.Time      `json:"time"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type kvLogger struct {
	json bool
	mu   sync.Mutex
}

const ringSize = 1000

var (
	ringMu  sync.RWMutex
	ring    = make([]*Entry, ringSize)
	ringIdx int

	levelMu  sync.RWMutex
	logLevel = "info"

	subMu       sync.RWMutex
	subscribers = map[chan *Entry]struct{}{}

	persistMu sync.RWMutex
	persistFn func(*Entry) error
)

var levelOrder = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3, "fatal": 4}

// New creates a logger; honors env vars LOG_LEVEL (debug|info|warn|error)
// and LOG_JSON (true|false). The coordinator defaults to JSON output, the
// exporter and client to text.
func New(jsonDefault bool) Logger {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "info"
	}
	SetLevel(lvl)
	j := jsonDefault
	switch os.Getenv("LOG_JSON") {
	case "true":
		j = true
	case "false":
		j = false
	}
	return &kvLogger{json: j}
}

// SetPersist registers a persistence callback invoked asynchronously for
// every entry. Used by the db package to store logs.
func SetPersist(fn func(*Entry) error) {
	persistMu.Lock()
	defer persistMu.Unlock()
	persistFn = fn
}

func SetLevel(lvl string) {
	levelMu.Lock()
	defer levelMu.Unlock()
	if _, ok := levelOrder[lvl]; ok {
		logLevel = lvl
	} else {
		logLevel = "info"
	}
}

func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return logLevel
}

func enabled(lvl string) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return levelOrder[lvl] >= levelOrder[logLevel]
}

func broadcast(e *Entry) {
	subMu.RLock()
	defer subMu.RUnlock()
	for ch := range subscribers {
		select {
		case ch <- e:
		default: // drop if subscriber is slow
		}
	}
}

func record(e *Entry) {
	ringMu.Lock()
	ring[ringIdx] = e
	ringIdx = (ringIdx + 1) % len(ring)
	ringMu.Unlock()
	broadcast(e)
	persistMu.RLock()
	fn := persistFn
	persistMu.RUnlock()
	if fn != nil {
		go fn(e) //nolint:errcheck
	}
}

func fieldsFromKV(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}

func (l *kvLogger) write(level, msg string, kv ...any) {
	if !enabled(level) {
		return
	}
	e := &Entry{Time: time.Now(), Level: level, Msg: msg, Fields: fieldsFromKV(kv)}
	record(e)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.json {
		b, _ := json.Marshal(e)
		log.Println(string(b))
		return
	}
	args := []any{"[" + e.Time.Format(time.RFC3339) + "]", level + ":", msg}
	for k, v := range e.Fields {
		args = append(args, k, v)
	}
	log.Println(args...)
}

func (l *kvLogger) Debug(msg string, kv ...any) { l.write("debug", msg, kv...) }
func (l *kvLogger) Info(msg string, kv ...any)  { l.write("info", msg, kv...) }
func (l *kvLogger) Warn(msg string, kv ...any)  { l.write("warn", msg, kv...) }
func (l *kvLogger) Error(msg string, kv ...any) { l.write("error", msg, kv...) }
func (l *kvLogger) Fatal(msg string, kv ...any) { l.write("fatal", msg, kv...); os.Exit(1) }

// Recent returns up to n most recent entries, newest first.
func Recent(n int) []*Entry {
	ringMu.RLock()
	defer ringMu.RUnlock()
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]*Entry, 0, n)
	i := (ringIdx - 1 + len(ring)) % len(ring)
	for c := 0; c < len(ring) && len(out) < n; c++ {
		if ring[i] != nil {
			out = append(out, ring[i])
		}
		i = (i - 1 + len(ring)) % len(ring)
	}
	return out
}

// Subscribe returns a channel receiving new entries and a cancel func to
// unsubscribe.
func Subscribe() (<-chan *Entry, func()) {
	ch := make(chan *Entry, 100)
	subMu.Lock()
	subscribers[ch] = struct{}{}
	subMu.Unlock()
	cancel := func() {
		subMu.Lock()
		delete(subscribers, ch)
		close(ch)
		subMu.Unlock()
	}
	return ch, cancel
}
