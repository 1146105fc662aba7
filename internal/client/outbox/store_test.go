package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Ap3pp3rs94/outbox-intake/pkg/envelope"
)

func TestEnqueue_AppendsFreshEntry(t *testing.T) {
	s := New(NewMemoryKVStore())
	entry, err := s.Enqueue(envelope.ChannelTelemetry, map[string]any{"name": "app.opened"}, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if entry.RetryCount != 0 {
		t.Fatalf("expected fresh entry to have retryCount 0, got %d", entry.RetryCount)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
}

func TestEnqueue_ReplacePreservesRetryCount(t *testing.T) {
	kv := NewMemoryKVStore()
	s := New(kv)
	_, err := s.Enqueue(envelope.ChannelFeedback, map[string]any{"score": 0.2}, "f-1", false)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a failed flush attempt bumping retryCount.
	snap, _ := s.Snapshot()
	snap[0].RetryCount = 3
	if err := s.ApplyUpdate(snap); err != nil {
		t.Fatal(err)
	}

	replaced, err := s.Enqueue(envelope.ChannelFeedback, map[string]any{"score": 0.9}, "f-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if replaced.RetryCount != 3 {
		t.Fatalf("expected retryCount preserved at 3, got %d", replaced.RetryCount)
	}
	if replaced.Payload["score"] != 0.9 {
		t.Fatalf("expected payload overwritten, got %#v", replaced.Payload)
	}

	snap, err = s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 {
		t.Fatalf("expected replace to keep a single entry, got %d", len(snap))
	}
}

func TestClear(t *testing.T) {
	s := New(NewMemoryKVStore())
	_, _ = s.Enqueue(envelope.ChannelTelemetry, map[string]any{"name": "x"}, "", false)
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty queue after Clear, got %d entries", len(snap))
	}
}

func TestHydrate_MigratesLegacyFeedbackQueue(t *testing.T) {
	kv := NewMemoryKVStore()
	legacy := []legacyFeedbackEntry{
		{
			RecordID:    "rec-9",
			Status:      "confirmed",
			SubmittedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Source:      "historical",
			Channel:     "sms",
			Score:       0.8,
		},
	}
	b, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(legacyFeedbackKey, b); err != nil {
		t.Fatal(err)
	}

	s := New(kv)
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 {
		t.Fatalf("expected legacy entry migrated, got %d entries", len(snap))
	}
	if snap[0].Channel != envelope.ChannelFeedback {
		t.Fatalf("expected migrated entry on feedback channel, got %s", snap[0].Channel)
	}
	if snap[0].Payload["recordId"] != "rec-9" {
		t.Fatalf("unexpected migrated payload: %#v", snap[0].Payload)
	}

	if _, ok, err := kv.Get(legacyFeedbackKey); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected legacy key removed after migration")
	}
}

func TestFileKVStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileKVStore(dir)
	if err := fs.Set("k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := fs.Get("k")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("unexpected get result: %q %v %v", v, ok, err)
	}
	if err := fs.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := fs.Get("k"); err != nil || ok {
		t.Fatalf("expected key gone after delete, ok=%v err=%v", ok, err)
	}
}
