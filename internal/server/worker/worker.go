// Package worker implements the delivery worker (C9): a poller that scans
// the durable outbox table for queued rows and delivers them to a Sink,
// plus an optional queue-driven driver for when an external job queue is
// configured.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Ap3pp3rs94/outbox-intake/internal/server/audit"
	"github.com/Ap3pp3rs94/outbox-intake/internal/server/store"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/queue"
	"github.com/Ap3pp3rs94/outbox-intake/pkg/telemetry"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 5
	defaultLease        = 30 * time.Second
	maxBackoff          = 60 * time.Second
	backoffUnit         = 500 * time.Millisecond

	auditRouteWorkerError = "worker/outbox/error"
)

// Options configures a Worker.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	Lease        time.Duration

	Meter  telemetry.Meter
	Logger *telemetry.Logger
	Audit  audit.Log

	Now func() time.Time

	// Queue and QueueName, when both set, enable the queue-driven driver:
	// the worker consumes {outboxId} jobs enqueued by the intake handler's
	// NotifyFunc, in addition to the poller.
	Queue        queue.Queue
	QueueName    queue.QueueName
	QueueWorkers int
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Lease <= 0 {
		o.Lease = defaultLease
	}
	if o.Meter == nil {
		o.Meter = telemetry.NopMeterInstance
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop
	}
	if o.Audit == nil {
		o.Audit = audit.NopLog{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.QueueWorkers <= 0 {
		o.QueueWorkers = 4
	}
}

// Worker drives rows from a durable store.Store to a Sink.
type Worker struct {
	store store.Store
	sink  Sink
	opt   Options

	stopCh chan struct{}
	doneCh chan struct{}

	queueRunner *queue.Runner
	wg          sync.WaitGroup
}

// New builds a Worker. sink is the delivery target; pass NoopSink{} when
// no upstream is configured.
func New(st store.Store, sink Sink, opt Options) *Worker {
	opt.setDefaults()
	w := &Worker{
		store:  st,
		sink:   sink,
		opt:    opt,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if opt.Queue != nil && opt.QueueName != "" {
		handler := func(ctx context.Context, msg queue.DequeueResult) error {
			var job struct {
				OutboxID string `json:"outboxId"`
			}
			if err := json.Unmarshal(msg.Env.Payload, &job); err != nil || job.OutboxID == "" {
				// Malformed job payload; drop rather than retry forever.
				return nil
			}
			return w.processByID(ctx, job.OutboxID)
		}
		runner, err := queue.NewRunner(opt.Queue, handler, queue.RunnerOptions{
			Queue:       opt.QueueName,
			Concurrency: opt.QueueWorkers,
			Logger:      nil,
			Clock:       nil,
		})
		if err == nil {
			w.queueRunner = runner
		}
	}
	return w
}

// Run starts the poller (and, if configured, the queue-driven driver) and
// blocks until ctx is canceled or Stop/Close is called.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var queueErrCh chan error
	if w.queueRunner != nil {
		queueErrCh = make(chan error, 1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			queueErrCh <- w.queueRunner.Run(runCtx)
		}()
	}

	err := w.pollLoop(runCtx)
	// Stop() closing w.stopCh ends the poll loop without canceling ctx;
	// cancel runCtx explicitly so the queue-driven driver also drains.
	cancel()
	w.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if queueErrCh != nil {
		select {
		case qerr := <-queueErrCh:
			if qerr != nil && !errors.Is(qerr, context.Canceled) {
				return qerr
			}
		default:
		}
	}
	return nil
}

// Stop causes the poller to exit at its next idle tick.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// Close stops the poller and waits for any queue-driven workers to drain.
func (w *Worker) Close() {
	w.Stop()
	<-w.doneCh
}

func (w *Worker) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		default:
		}

		now := w.opt.Now()
		row, err := w.store.ClaimNext(ctx, now, w.opt.Lease)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				if !w.sleep(ctx, w.opt.PollInterval) {
					return nil
				}
				continue
			}
			w.opt.Logger.Error(ctx, "worker: claim failed", map[string]any{"error": err.Error()})
			if !w.sleep(ctx, w.opt.PollInterval) {
				return nil
			}
			continue
		}

		w.process(ctx, row)
	}
}

// sleep waits for d or an exit signal; returns false if the worker should
// stop rather than continue polling.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) processByID(ctx context.Context, id string) error {
	row, err := w.store.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if row.Status != store.StatusQueued {
		return nil
	}
	w.process(ctx, row)
	return nil
}

// process implements §4.9's per-row delivery algorithm.
func (w *Worker) process(ctx context.Context, row store.Row) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
		w.markError(ctx, row, fmt.Errorf("worker: payload unmarshal: %w", err))
		return
	}

	deliverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := w.sink.Deliver(deliverCtx, row.ID, row.Channel, payload)
	cancel()

	if err == nil {
		if err := w.store.MarkProcessed(ctx, row.ID); err != nil {
			w.opt.Logger.Error(ctx, "worker: mark processed failed", map[string]any{"id": row.ID, "error": err.Error()})
			return
		}
		_ = telemetry.IncCounter(w.opt.Meter, ctx, "worker_processed_total", 1, telemetry.Labels{"channel": row.Channel})
		return
	}

	attempts := row.Attempts + 1
	if attempts >= w.opt.MaxAttempts {
		w.markError(ctx, row, err)
		return
	}

	delay := backoffFor(attempts)
	availableAt := w.opt.Now().Add(delay)
	if mErr := w.store.MarkRetry(ctx, row.ID, availableAt, err.Error()); mErr != nil {
		w.opt.Logger.Error(ctx, "worker: mark retry failed", map[string]any{"id": row.ID, "error": mErr.Error()})
		return
	}
	_ = telemetry.IncCounter(w.opt.Meter, ctx, "worker_retry_total", 1, telemetry.Labels{"channel": row.Channel})
}

func (w *Worker) markError(ctx context.Context, row store.Row, deliveryErr error) {
	if err := w.store.MarkError(ctx, row.ID, deliveryErr.Error()); err != nil {
		w.opt.Logger.Error(ctx, "worker: mark error failed", map[string]any{"id": row.ID, "error": err.Error()})
		return
	}
	_ = telemetry.IncCounter(w.opt.Meter, ctx, "worker_error_total", 1, telemetry.Labels{"channel": row.Channel})
	if aerr := w.opt.Audit.Record(ctx, audit.Entry{
		Route:  auditRouteWorkerError,
		Method: "INTERNAL",
		Body:   fmt.Sprintf("id=%s attempts_exhausted error=%s", row.ID, deliveryErr.Error()),
	}); aerr != nil {
		w.opt.Logger.Error(ctx, "worker: audit write failed", map[string]any{"id": row.ID, "error": aerr.Error()})
	}
}

// backoffFor computes min(60s, 500ms * 2^attempts) per §4.9.
func backoffFor(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	d := time.Duration(float64(backoffUnit) * math.Pow(2, float64(attempts)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
