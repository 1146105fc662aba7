// Package intake implements the server intake handler (C7): validate,
// sanitize, hash, and durably persist an envelope posted to
// POST /v1/outbox, with idempotent dedup/replace semantics against the
// outbox table (C8).
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	svcerrors "github.com/Ap3pp3rs94/outbox-intake/pkg/errors"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/store"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/envelope"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/sanitize"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/telemetry"
)

const (
	// maxBodyBytes is the default hard cap on the request body per §4.7;
	// callers may override via Options.MaxBodyBytes.
	maxBodyBytes = 256 * 1024

	insertRetryAttempts = 5
	insertRetryDelay    = 25 * time.Millisecond
)

// NotifyFunc is invoked after a row is accepted or replaced, so the
// delivery worker's queue-driven driver (C9) can pick it up immediately
// instead of waiting for the next poll tick. A nil NotifyFunc is a no-op.
type NotifyFunc func(id string)

// Options configures a Handler.
type Options struct {
	MaxBodyBytes     int64
	Meter            telemetry.Meter
	Logger           *telemetry.Logger
	Notify           NotifyFunc
	Now              func() time.Time
	InsertRetries    int
	InsertRetryDelay time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = maxBodyBytes
	}
	if o.Meter == nil {
		o.Meter = telemetry.NopMeterInstance
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.InsertRetries <= 0 {
		o.InsertRetries = insertRetryAttempts
	}
	if o.InsertRetryDelay <= 0 {
		o.InsertRetryDelay = insertRetryDelay
	}
}

// Handler implements POST /v1/outbox.
type Handler struct {
	store store.Store
	opt   Options
}

// New builds a Handler atop the given durable row store.
func New(st store.Store, opt Options) *Handler {
	opt.setDefaults()
	return &Handler{store: st, opt: opt}
}

// wireEnvelope mirrors the client's wire shape so both sides agree on the
// field names without importing each other's packages.
type wireEnvelope struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"createdAt"`
}

// wireRow is the canonical row shape returned on duplicate detection
// (§4.7, §6): the stored row with its payload parsed back into an object.
type wireRow struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	ReceivedAt  time.Time      `json:"receivedAt"`
	AvailableAt time.Time      `json:"availableAt"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func toWireRow(r store.Row) wireRow {
	var payload map[string]any
	_ = json.Unmarshal([]byte(r.PayloadJSON), &payload)
	return wireRow{
		ID:          r.ID,
		Channel:     r.Channel,
		Payload:     payload,
		Status:      string(r.Status),
		Attempts:    r.Attempts,
		ReceivedAt:  r.ReceivedAt,
		AvailableAt: r.AvailableAt,
		CreatedAt:   r.CreatedAt,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := h.opt.Now()

	if r.ContentLength > h.opt.MaxBodyBytes {
		h.respondError(ctx, w, http.StatusRequestEntityTooLarge, svcerrors.PayloadTooLarge, "payload_too_large", nil)
		return
	}

	body, err := readLimited(r.Body, h.opt.MaxBodyBytes)
	if err != nil {
		h.respondError(ctx, w, http.StatusRequestEntityTooLarge, svcerrors.PayloadTooLarge, "payload_too_large", nil)
		return
	}

	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		h.countInvalid(ctx, "")
		h.respondError(ctx, w, http.StatusBadRequest, svcerrors.InvalidPayload, "invalid_payload",
			map[string]any{"parse_error": err.Error()})
		return
	}

	env := envelope.Envelope{
		ID:      wire.ID,
		Channel: envelope.Channel(wire.Channel),
		Payload: wire.Payload,
	}
	if wire.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, wire.CreatedAt); err == nil {
			env.CreatedAt = ts
		}
	}

	if err := envelope.Validate(env); err != nil {
		h.countInvalid(ctx, string(env.Channel))
		var ve *envelope.ValidationError
		details := map[string]any{}
		if errors.As(err, &ve) {
			details["violations"] = ve.Violations
		}
		h.respondError(ctx, w, http.StatusBadRequest, svcerrors.InvalidPayload, "invalid_payload", details)
		return
	}

	sanitized := sanitize.Sanitize(env.Payload)
	canonical, err := envelope.CanonicalJSON(sanitized)
	if err != nil {
		h.opt.Logger.Error(ctx, "intake: canonicalize failed", map[string]any{"error": err.Error(), "id": env.ID})
		h.respondError(ctx, w, http.StatusBadRequest, svcerrors.InvalidPayload, "invalid_payload", nil)
		return
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])

	now := h.opt.Now()
	row, outcome, err := h.upsert(ctx, env, string(canonical), hash, now)
	if err != nil {
		h.opt.Logger.Error(ctx, "intake: upsert failed", map[string]any{"error": err.Error(), "id": env.ID})
		h.respondError(ctx, w, http.StatusBadRequest, svcerrors.StorageTransient, "invalid_payload", nil)
		return
	}

	switch outcome {
	case outcomeDuplicate:
		h.countMetric(ctx, "duplicate", string(env.Channel))
		h.respondJSON(ctx, w, http.StatusConflict, start, map[string]any{
			"error":     "conflict",
			"canonical": toWireRow(row),
		})
		return
	case outcomeReplaced:
		h.countMetric(ctx, "accepted", string(env.Channel), "status", "replaced")
		if h.opt.Notify != nil {
			h.opt.Notify(row.ID)
		}
	case outcomeInserted:
		h.countMetric(ctx, "accepted", string(env.Channel), "status", "new")
		if h.opt.Notify != nil {
			h.opt.Notify(row.ID)
		}
	}
	h.countMetric(ctx, "processed", string(env.Channel))

	h.respondJSON(ctx, w, http.StatusAccepted, start, map[string]any{
		"queued": true,
		"id":     row.ID,
	})
}

type upsertOutcome int

const (
	outcomeDuplicate upsertOutcome = iota
	outcomeReplaced
	outcomeInserted
)

// upsert implements step 4 of §4.7: lookup, then duplicate/replace/insert,
// retrying the lookup on a concurrent-insert conflict up to InsertRetries
// times before propagating the error.
func (h *Handler) upsert(ctx context.Context, env envelope.Envelope, canonicalJSON, hash string, now time.Time) (store.Row, upsertOutcome, error) {
	existing, err := h.store.Lookup(ctx, env.ID)
	switch {
	case err == nil:
		return h.resolveExisting(ctx, env, existing, canonicalJSON, hash, now)
	case errors.Is(err, store.ErrNotFound):
		// fall through to insert
	default:
		return store.Row{}, 0, err
	}

	row := store.Row{
		ID:          env.ID,
		Channel:     string(env.Channel),
		PayloadJSON: canonicalJSON,
		Hash:        hash,
		Status:      store.StatusQueued,
		Attempts:    0,
		ReceivedAt:  now,
		AvailableAt: now,
		CreatedAt:   now,
	}
	insertErr := h.store.Insert(ctx, row)
	if insertErr == nil {
		return row, outcomeInserted, nil
	}
	if !errors.Is(insertErr, store.ErrConflict) {
		return store.Row{}, 0, insertErr
	}

	for attempt := 0; attempt < h.opt.InsertRetries; attempt++ {
		time.Sleep(h.opt.InsertRetryDelay)
		existing, err := h.store.Lookup(ctx, env.ID)
		if err == nil {
			return h.resolveExisting(ctx, env, existing, canonicalJSON, hash, now)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Row{}, 0, err
		}
	}
	return store.Row{}, 0, insertErr
}

func (h *Handler) resolveExisting(ctx context.Context, env envelope.Envelope, existing store.Row, canonicalJSON, hash string, now time.Time) (store.Row, upsertOutcome, error) {
	if existing.Hash == hash && existing.Channel == string(env.Channel) {
		return existing, outcomeDuplicate, nil
	}
	if err := h.store.Replace(ctx, env.ID, string(env.Channel), canonicalJSON, hash, now); err != nil {
		return store.Row{}, 0, err
	}
	replaced, err := h.store.Lookup(ctx, env.ID)
	if err != nil {
		return store.Row{}, 0, err
	}
	return replaced, outcomeReplaced, nil
}

func (h *Handler) countInvalid(ctx context.Context, channel string) {
	labels := telemetry.Labels{"status": "invalid"}
	if channel != "" {
		labels["channel"] = channel
	}
	_ = telemetry.IncCounter(h.opt.Meter, ctx, "intake_invalid_total", 1, labels)
}

func (h *Handler) countMetric(ctx context.Context, name, channel string, extra ...string) {
	labels := telemetry.Labels{"channel": channel}
	for i := 0; i+1 < len(extra); i += 2 {
		labels[extra[i]] = extra[i+1]
	}
	_ = telemetry.IncCounter(h.opt.Meter, ctx, "intake_"+name+"_total", 1, labels)
}

func (h *Handler) respondJSON(ctx context.Context, w http.ResponseWriter, status int, start time.Time, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusAccepted {
		elapsed := h.opt.Now().Sub(start)
		w.Header().Set("x-processing-ms", formatMillis(elapsed))
	}
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(body)
}

func (h *Handler) respondError(ctx context.Context, w http.ResponseWriter, status int, code svcerrors.Code, wireError string, details map[string]any) {
	h.opt.Logger.Debug(ctx, "intake: rejecting request", map[string]any{"code": string(code), "status": status})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": wireError}
	if len(details) > 0 {
		body["details"] = details
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(body)
}
