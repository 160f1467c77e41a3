package api

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestRespondErrorAddsEvent(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	tc := &Trace{ID: "t1"}
	r = r.WithContext(withTraceCtx(r.Context(), tc))
	rw := httptest.NewRecorder()
	respondError(rw, r, 418, "teapot")
	if rw.Code != 418 {
		t.Fatalf("expected 418, got %d", rw.Code)
	}
	found := false
	for _, ev := range tc.Events {
		if ev.Name == "error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("error event not recorded")
	}
}

func TestRespondErrorBodyIsJSON(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	rw := httptest.NewRecorder()
	respondError(rw, r, 409, "place already acquired")
	if ct := rw.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "place already acquired" {
		t.Fatalf("expected error message in body, got %v", body)
	}
}

func TestTraceStoreRing(t *testing.T) {
	s := &traceStore{buf: make([]*Trace, 4), size: 4}
	for i := 0; i < 6; i++ {
		s.add(&Trace{ID: fmt.Sprintf("t%d", i)})
	}
	got := s.all(10)
	if len(got) != 4 {
		t.Fatalf("expected 4 traces, got %d", len(got))
	}
	if got[0].ID != "t5" || got[3].ID != "t2" {
		t.Fatalf("expected newest first t5..t2, got %s..%s", got[0].ID, got[3].ID)
	}
	if tr := s.get("t4"); tr == nil {
		t.Fatalf("expected to find t4 in ring")
	}
	if tr := s.get("t0"); tr != nil {
		t.Fatalf("t0 should have been evicted")
	}
}

func TestTraceFromMissing(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	if traceFrom(r.Context()) != nil {
		t.Fatalf("expected nil trace outside middleware")
	}
}
