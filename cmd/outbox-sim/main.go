// Command outbox-sim is a simulated client: it periodically enqueues
// synthetic feedback, telemetry, and report envelopes into a client-side
// outbox and flushes them against a running outbox-server, exercising the
// full enqueue -> flush -> intake -> deliver pipeline end to end.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Ap3pp3rs94/outbox-intake/internal/client/flusher"
	"github.com/Ap3pp3rs94/outbox-intake/internal/client/outbox"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/envelope"
)

const defaultInterval = 10 * time.Second

func main() {
	endpoint := strings.TrimSpace(os.Getenv("OUTBOX_SIM_ENDPOINT"))
	if endpoint == "" {
		fmt.Fprintln(os.Stderr, "missing OUTBOX_SIM_ENDPOINT")
		os.Exit(1)
	}

	interval := defaultInterval
	if v := strings.TrimSpace(os.Getenv("OUTBOX_SIM_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	deviceID := strings.TrimSpace(os.Getenv("OUTBOX_SIM_DEVICE_ID"))
	if deviceID == "" {
		deviceID = mustID("device")
	}

	authToken := strings.TrimSpace(os.Getenv("OUTBOX_SIM_AUTH_TOKEN"))

	store := outbox.New(outbox.NewMemoryKVStore())
	flush := flusher.New(store, flusher.Options{
		Endpoint:  endpoint,
		AuthToken: authToken,
		DeviceID:  deviceID,
		OnDrop: func(entry outbox.Entry, reason flusher.DropReason) {
			logLine("WARN", deviceID, "entry_dropped id=%s reason=%s", entry.ID, reason)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logLine("WARN", deviceID, "shutdown_signal_received")
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	generateAndFlush(ctx, store, flush, deviceID)

	for {
		select {
		case <-ctx.Done():
			logLine("INFO", deviceID, "shutdown_complete")
			return
		case <-ticker.C:
			generateAndFlush(ctx, store, flush, deviceID)
		}
	}
}

func generateAndFlush(ctx context.Context, store *outbox.Store, flush *flusher.Flusher, deviceID string) {
	entry, err := enqueueRandom(store, deviceID)
	if err != nil {
		logLine("WARN", deviceID, "enqueue_failed err=%s", err.Error())
	} else {
		logLine("INFO", deviceID, "enqueued id=%s channel=%s", entry.ID, entry.Channel)
	}

	if err := flush.Flush(ctx); err != nil {
		logLine("WARN", deviceID, "flush_failed err=%s", err.Error())
		return
	}
	logLine("INFO", deviceID, "flush_complete")
}

// enqueueRandom builds one synthetic envelope across the three channels,
// picking one of the three at random so a sim run exercises all of intake's validation
// branches over time.
func enqueueRandom(store *outbox.Store, deviceID string) (outbox.Entry, error) {
	now := time.Now().UTC()
	switch pick(3) {
	case 0:
		return store.Enqueue(envelope.ChannelFeedback, map[string]any{
			"recordId":    mustID("rec"),
			"status":      pickEnum("confirmed", "false_positive"),
			"submittedAt": now.Format(time.RFC3339),
			"source":      "simulated",
			"channel":     pickEnum("sms", "whatsapp", "email"),
			"score":       0.5,
		}, mustID("fb"), false)
	case 1:
		return store.Enqueue(envelope.ChannelTelemetry, map[string]any{
			"name": "device_heartbeat",
			"payload": map[string]any{
				"deviceId": deviceID,
				"battery":  0.87,
			},
			"timestamp": now.Format(time.RFC3339),
		}, mustID("tel"), false)
	default:
		return store.Enqueue(envelope.ChannelReport, map[string]any{
			"reportId": mustID("rpt"),
			"message": map[string]any{
				"sender":  deviceID,
				"channel": pickEnum("sms", "whatsapp", "email"),
				"body":    "simulated inbound message",
			},
			"category":  pickEnum("phishing", "suspicious", "false_positive", "other"),
			"createdAt": now.Format(time.RFC3339),
		}, mustID("rp"), false)
	}
}

func mustID(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

func pick(n int) int64 {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0
	}
	return v.Int64()
}

func pickEnum(options ...string) string {
	return options[pick(len(options))]
}

func logLine(level, deviceID, format string, args ...any) {
	ts := time.Now().UTC().Format(time.RFC3339)
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("%s %s device_id=%s %s\n", ts, level, deviceID, msg)
}
