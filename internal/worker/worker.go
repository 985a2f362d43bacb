// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"querygate/server/internal/connpool"
	"querygate/server/internal/errors"
	"querygate/server/internal/job"
	"querygate/server/internal/logging"
)

type worker struct {
	id     int
	pool   *Pool
	logger *slog.Logger
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	w.logger.Debug("worker started")
	for j := range w.pool.queue {
		w.pool.busy.Add(1)
		w.pool.cfg.Metrics.UpdateWorkers(int(w.pool.busy.Load()), len(w.pool.queue))

		res := w.handle(j)

		w.pool.busy.Add(-1)
		w.pool.cfg.Metrics.UpdateWorkers(int(w.pool.busy.Load()), len(w.pool.queue))
		w.record(j, res)
		j.Pending.Resolve(res)
	}
	w.logger.Debug("worker stopped")
}

func (w *worker) handle(j *job.Job) (res job.Result) {
	start := time.Now()
	req := j.Request
	res = job.Result{WorkerID: w.id, Format: req.Format}
	if !j.Enqueued.IsZero() {
		res.QueueWait = start.Sub(j.Enqueued)
	}
	defer func() { res.Duration = time.Since(start) }()

	if req.Expired(start) {
		res.Err = errors.New(errors.KindExpired, "request deadline passed before execution started")
		return res
	}

	ctx := logging.WithLogger(context.Background(), w.logger.With("requestID", req.ID))
	acquireCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	conn, err := w.pool.cfg.Connections.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, errors.KindPoolExhausted) && req.Expired(time.Now()) {
			err = errors.Wrap(errors.KindExpired, "request deadline passed while waiting for a connection", err)
		}
		res.Err = err
		return res
	}

	value, err := w.execute(ctx, req.Document, conn.Session())
	if err != nil {
		if isPanic(err) {
			conn.Destroy()
		} else {
			conn.Release()
		}
		res.Err = err
		return res
	}
	conn.Release()

	payload, err := w.encode(req.Format, value)
	if err != nil {
		res.Err = errors.Wrap(errors.KindSerializationFailed, "failed to encode result", err)
		return res
	}
	res.Payload = payload
	return res
}

// panicError marks an execution failure caused by a recovered panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func isPanic(err error) bool {
	var pe *panicError
	return stderrors.As(err, &pe)
}

// execute runs the engine, converting errors and panics into execution failures.
func (w *worker) execute(ctx context.Context, doc []byte, sess connpool.Session) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &panicError{value: r, stack: debug.Stack()}
			w.logger.Error("query engine panicked", "panic", r, "stack", string(pe.stack))
			value = nil
			err = errors.Wrap(errors.KindExecutionFailed, "query engine panicked", pe)
		}
	}()

	value, err = w.pool.cfg.Execute(ctx, doc, sess)
	if err != nil {
		return nil, errors.Wrap(errors.KindExecutionFailed, "query failed", err)
	}
	return value, nil
}

func (w *worker) encode(format string, value any) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = &panicError{value: r}
		}
	}()
	return w.pool.cfg.Encode(format, value)
}

func (w *worker) record(j *job.Job, res job.Result) {
	outcome := "ok"
	switch {
	case res.Err == nil:
		w.pool.completed.Add(1)
	case errors.Is(res.Err, errors.KindExpired):
		w.pool.expired.Add(1)
		outcome = string(errors.KindExpired)
	default:
		w.pool.failed.Add(1)
		outcome = string(errors.KindOf(res.Err))
		if outcome == "" {
			outcome = "unknown"
		}
	}
	w.pool.cfg.Metrics.RecordJob(outcome, res.QueueWait, res.Duration)

	attrs := []any{
		"requestID", j.Request.ID,
		"outcome", outcome,
		"queueWait", res.QueueWait,
		"duration", res.Duration,
	}
	if res.Err != nil {
		w.logger.Warn("job failed", append(attrs, "error", logging.Mask(res.Err.Error()))...)
		return
	}
	w.logger.Debug("job completed", append(attrs, "bytes", len(res.Payload))...)
}
