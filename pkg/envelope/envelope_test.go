package envelope

import (
	"testing"
	"time"
)

func validFeedback() Envelope {
	return Envelope{
		ID:      "f-1",
		Channel: ChannelFeedback,
		Payload: map[string]any{
			"recordId":    "rec-1",
			"status":      "confirmed",
			"submittedAt": "2026-01-01T00:00:00Z",
			"source":      "historical",
			"channel":     "sms",
			"score":       0.5,
		},
		CreatedAt: time.Now(),
	}
}

func TestValidate_FeedbackOK(t *testing.T) {
	if err := Validate(validFeedback()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MissingID(t *testing.T) {
	env := validFeedback()
	env.ID = ""
	if err := Validate(env); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestValidate_UnknownChannel(t *testing.T) {
	env := validFeedback()
	env.Channel = "bogus"
	err := Validate(env)
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if ve.Violations[0].Path != "$.channel" {
		t.Fatalf("expected path $.channel, got %s", ve.Violations[0].Path)
	}
}

func TestValidate_FeedbackScoreOutOfRange(t *testing.T) {
	env := validFeedback()
	env.Payload["score"] = 1.5
	if err := Validate(env); err == nil {
		t.Fatal("expected error for out-of-range score")
	}
}

func TestValidate_FeedbackBadStatusEnum(t *testing.T) {
	env := validFeedback()
	env.Payload["status"] = "unknown"
	if err := Validate(env); err == nil {
		t.Fatal("expected error for bad status enum")
	}
}

func TestValidate_Telemetry(t *testing.T) {
	env := Envelope{
		ID:      "t-1",
		Channel: ChannelTelemetry,
		Payload: map[string]any{
			"name":      "app.opened",
			"payload":   map[string]any{"foo": "bar"},
			"timestamp": "2026-01-01T00:00:00Z",
		},
		CreatedAt: time.Now(),
	}
	if err := Validate(env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Report(t *testing.T) {
	env := Envelope{
		ID:      "r-1",
		Channel: ChannelReport,
		Payload: map[string]any{
			"reportId": "rep-1",
			"message": map[string]any{
				"sender":  "+15555550100",
				"channel": "whatsapp",
				"body":    "suspicious link",
			},
			"category":    "phishing",
			"createdAt":   "2026-01-01T00:00:00Z",
			"attachments": []any{"a.png", "b.png"},
		},
		CreatedAt: time.Now(),
	}
	if err := Validate(env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ReportBadAttachment(t *testing.T) {
	env := Envelope{
		ID:      "r-2",
		Channel: ChannelReport,
		Payload: map[string]any{
			"reportId": "rep-2",
			"message": map[string]any{
				"sender":  "+15555550100",
				"channel": "email",
				"body":    "body",
			},
			"category":    "other",
			"createdAt":   "2026-01-01T00:00:00Z",
			"attachments": []any{123},
		},
		CreatedAt: time.Now(),
	}
	if err := Validate(env); err == nil {
		t.Fatal("expected error for non-string attachment")
	}
}

func TestCanonicalJSON_KeyOrderStable(t *testing.T) {
	a := map[string]any{"b": 1.0, "a": 2.0}
	b := map[string]any{"a": 2.0, "b": 1.0}
	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical encodings, got %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical encoding: %s", ca)
	}
}
