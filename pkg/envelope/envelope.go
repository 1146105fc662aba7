// Package envelope defines the canonical submission unit shared by the
// client outbox and the server intake handler, plus per-channel payload
// validation.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Channel discriminates the payload shape carried by an Envelope.
type Channel string

const (
	ChannelFeedback  Channel = "feedback"
	ChannelTelemetry Channel = "telemetry"
	ChannelReport    Channel = "report"
)

func (c Channel) valid() bool {
	switch c {
	case ChannelFeedback, ChannelTelemetry, ChannelReport:
		return true
	default:
		return false
	}
}

// Envelope is the wire form exchanged between client and server.
type Envelope struct {
	ID        string         `json:"id"`
	Channel   Channel        `json:"channel"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Severity mirrors a validation violation's impact; InvalidPayload failures
// are always Severity "error" in this module, but the shape leaves room for
// future soft warnings without breaking callers.
type Severity string

const (
	SevError Severity = "error"
	SevWarn  Severity = "warn"
)

// Violation names one field that failed validation, using a JSONPath-like
// instance path so the HTTP layer can surface structured 400 details.
type Violation struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

func (v Violation) Error() string {
	if v.Path == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ValidationError wraps one or more field Violations found while validating
// an envelope or its channel-specific payload.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "envelope: invalid payload"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Error())
	}
	return "envelope: invalid payload: " + strings.Join(parts, "; ")
}

func fail(path, msg string) error {
	return &ValidationError{Violations: []Violation{{Severity: SevError, Path: path, Message: msg}}}
}

// Validate runs both validation phases: the envelope envelope shape (phase 1)
// and the channel-specific payload schema (phase 2, §4.1).
func Validate(env Envelope) error {
	if err := validateEnvelopeShape(env); err != nil {
		return err
	}
	switch env.Channel {
	case ChannelFeedback:
		return validateFeedback(env.Payload)
	case ChannelTelemetry:
		return validateTelemetry(env.Payload)
	case ChannelReport:
		return validateReport(env.Payload)
	default:
		return fail("$.channel", "unsupported channel")
	}
}

func validateEnvelopeShape(env Envelope) error {
	if strings.TrimSpace(env.ID) == "" {
		return fail("$.id", "id is required")
	}
	if !env.Channel.valid() {
		return fail("$.channel", fmt.Sprintf("channel must be one of feedback, telemetry, report (got %q)", env.Channel))
	}
	if env.Payload == nil {
		return fail("$.payload", "payload is required")
	}
	if env.CreatedAt.IsZero() {
		return fail("$.createdAt", "createdAt must be a valid timestamp")
	}
	return nil
}

// ---- field helpers ----

func reqString(payload map[string]any, path, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fail(path, "required field missing")
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fail(path, "must be a non-empty string")
	}
	return s, nil
}

func optString(payload map[string]any, path, key string) (string, bool, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fail(path, "must be a string")
	}
	return s, true, nil
}

func reqEnum(payload map[string]any, path, key string, allowed ...string) (string, error) {
	s, err := reqString(payload, path, key)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", fail(path, fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")))
}

func reqTimestamp(payload map[string]any, path, key string) (time.Time, error) {
	s, err := reqString(payload, path, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, fail(path, "must be a parseable timestamp")
	}
	return t, nil
}

func optTimestamp(payload map[string]any, path, key string) (time.Time, bool, error) {
	s, ok, err := optString(payload, path, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, false, fail(path, "must be a parseable timestamp")
	}
	return t, true, nil
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func reqMapping(payload map[string]any, path, key string) (map[string]any, error) {
	v, ok := payload[key]
	if !ok {
		return nil, fail(path, "required field missing")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fail(path, "must be a mapping")
	}
	return m, nil
}

func reqNumberInRange(payload map[string]any, path, key string, lo, hi float64) (float64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fail(path, "required field missing")
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fail(path, "must be a number")
	}
	if f < lo || f > hi {
		return 0, fail(path, fmt.Sprintf("must be between %v and %v", lo, hi))
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// ---- phase 2: channel schemas ----

func validateFeedback(p map[string]any) error {
	if _, err := reqString(p, "$.payload.recordId", "recordId"); err != nil {
		return err
	}
	if _, err := reqEnum(p, "$.payload.status", "status", "confirmed", "false_positive"); err != nil {
		return err
	}
	if _, err := reqTimestamp(p, "$.payload.submittedAt", "submittedAt"); err != nil {
		return err
	}
	if _, err := reqEnum(p, "$.payload.source", "source", "historical", "simulated"); err != nil {
		return err
	}
	if _, err := reqEnum(p, "$.payload.channel", "channel", "sms", "whatsapp", "email"); err != nil {
		return err
	}
	if _, err := reqNumberInRange(p, "$.payload.score", "score", 0, 1); err != nil {
		return err
	}
	return nil
}

func validateTelemetry(p map[string]any) error {
	if _, err := reqString(p, "$.payload.name", "name"); err != nil {
		return err
	}
	if _, err := reqMapping(p, "$.payload.payload", "payload"); err != nil {
		return err
	}
	if _, err := reqTimestamp(p, "$.payload.timestamp", "timestamp"); err != nil {
		return err
	}
	return nil
}

func validateReport(p map[string]any) error {
	if _, err := reqString(p, "$.payload.reportId", "reportId"); err != nil {
		return err
	}
	msg, err := reqMapping(p, "$.payload.message", "message")
	if err != nil {
		return err
	}
	if _, err := reqString(msg, "$.payload.message.sender", "sender"); err != nil {
		return err
	}
	if _, err := reqEnum(msg, "$.payload.message.channel", "channel", "sms", "whatsapp", "email"); err != nil {
		return err
	}
	if _, err := reqString(msg, "$.payload.message.body", "body"); err != nil {
		return err
	}
	if _, _, err := optTimestamp(msg, "$.payload.message.receivedAt", "receivedAt"); err != nil {
		return err
	}
	if _, err := reqEnum(p, "$.payload.category", "category", "phishing", "suspicious", "false_positive", "other"); err != nil {
		return err
	}
	if _, _, err := optString(p, "$.payload.comment", "comment"); err != nil {
		return err
	}
	if _, err := reqTimestamp(p, "$.payload.createdAt", "createdAt"); err != nil {
		return err
	}
	if v, ok := p["attachments"]; ok && v != nil {
		items, ok := v.([]any)
		if !ok {
			return fail("$.payload.attachments", "must be a sequence of strings")
		}
		for i, it := range items {
			if _, ok := it.(string); !ok {
				return fail(fmt.Sprintf("$.payload.attachments[%d]", i), "must be a string")
			}
		}
	}
	return nil
}

// CanonicalJSON serializes an envelope's payload with deterministic key
// ordering, so that hashing and dedup comparisons are stable regardless of
// map iteration order or the original request's field ordering.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	return canonicalValue(payload)
}

func canonicalValue(v any) ([]byte, error) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b.Write(kb)
			b.WriteByte(':')
			vb, err := canonicalValue(x[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			vb, err := canonicalValue(item)
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(x)
	}
}
