package intake

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ap3pp3rs94/outbox-intake/internal/server/store"
)

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A single shared connection: sqlite's :memory: database is
	// per-connection, and the intake handler is exercised concurrently by
	// TestServeHTTP_ConcurrentSameIDYieldsExactlyOneRow.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.Open(db, "sqlite")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	h := New(st, Options{})
	return h, st
}

func telemetryBody(id string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      id,
		"channel": "telemetry",
		"payload": map[string]any{
			"name":      "app_opened",
			"payload":   map[string]any{"foo": "bar"},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

func doPost(h *Handler, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/outbox", bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_AcceptsNewEnvelope(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doPost(h, telemetryBody("evt-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("x-processing-ms") == "" {
		t.Fatal("expected x-processing-ms header")
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["id"] != "evt-1" || out["queued"] != true {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestServeHTTP_DuplicateReturns409(t *testing.T) {
	h, _ := newTestHandler(t)
	body := telemetryBody("evt-dup")

	first := doPost(h, body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first post: expected 202, got %d: %s", first.Code, first.Body.String())
	}

	second := doPost(h, body)
	if second.Code != http.StatusConflict {
		t.Fatalf("second post: expected 409, got %d: %s", second.Code, second.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["error"] != "conflict" {
		t.Fatalf("expected conflict error, got %v", out)
	}
	if _, ok := out["canonical"]; !ok {
		t.Fatal("expected canonical row in duplicate response")
	}
}

func TestServeHTTP_DifferentPayloadSameIDReplaces(t *testing.T) {
	h, _ := newTestHandler(t)
	id := "evt-replace"

	first := doPost(h, telemetryBody(id))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first post: expected 202, got %d", first.Code)
	}

	replacement, _ := json.Marshal(map[string]any{
		"id":      id,
		"channel": "telemetry",
		"payload": map[string]any{
			"name":      "app_closed",
			"payload":   map[string]any{"foo": "baz"},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	second := doPost(h, replacement)
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected replace to be accepted with 202, got %d: %s", second.Code, second.Body.String())
	}
}

func TestServeHTTP_InvalidPayloadReturns400(t *testing.T) {
	h, _ := newTestHandler(t)
	body, _ := json.Marshal(map[string]any{
		"id":      "evt-bad",
		"channel": "telemetry",
		"payload": map[string]any{"name": "missing fields"},
	})
	rec := doPost(h, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["error"] != "invalid_payload" {
		t.Fatalf("expected invalid_payload, got %v", out)
	}
}

func TestServeHTTP_OversizeBodyReturns413(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/outbox", bytes.NewReader(telemetryBody("evt-big")))
	req.ContentLength = maxBodyBytes + 1
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

// TestServeHTTP_ConcurrentSameIDYieldsExactlyOneRow submits the same
// (id, payload) from N goroutines at once: sqlite's single-writer lock
// serializes the inserts, so every response must be 202 or 409, never a
// 500, and exactly one row must exist afterward.
func TestServeHTTP_ConcurrentSameIDYieldsExactlyOneRow(t *testing.T) {
	h, st := newTestHandler(t)
	body := telemetryBody("evt-concurrent")

	const n = 10
	codes := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			codes[i] = doPost(h, body).Code
		}(i)
	}
	wg.Wait()

	accepted, conflicted := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicted++
		default:
			t.Fatalf("unexpected status code %d among concurrent submissions", c)
		}
	}
	if accepted == 0 {
		t.Fatal("expected at least one submission to be accepted")
	}
	if accepted+conflicted != n {
		t.Fatalf("expected every response to be 202 or 409, got %d accepted + %d conflicted of %d", accepted, conflicted, n)
	}

	row, err := st.Lookup(context.Background(), "evt-concurrent")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if row.ID != "evt-concurrent" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestServeHTTP_NotifyCalledOnAccept(t *testing.T) {
	var notified string
	h, st := newTestHandler(t)
	h.opt.Notify = func(id string) { notified = id }
	_ = st

	rec := doPost(h, telemetryBody("evt-notify"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if notified != "evt-notify" {
		t.Fatalf("expected notify for evt-notify, got %q", notified)
	}
}
