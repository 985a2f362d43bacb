// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package worker runs query jobs on a fixed set of blocking workers.
//
// Workers share one FIFO queue. Each worker takes a job, leases a connection
// from the shared connection pool, runs the query engine, returns the
// connection, encodes the value and resolves the job's Pending. A worker
// handles one job at a time, so at most min(workers, pool capacity) queries
// execute concurrently.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"querygate/server/internal/connpool"
	"querygate/server/internal/errors"
	"querygate/server/internal/job"
	"querygate/server/internal/metrics"
)

// ExecuteFunc runs one query document on a leased session and returns the
// value to encode. It may block for as long as the query takes.
type ExecuteFunc func(ctx context.Context, document []byte, sess connpool.Session) (any, error)

// EncodeFunc serializes an engine value in the requested format.
type EncodeFunc func(format string, v any) ([]byte, error)

// Config configures a Pool.
type Config struct {
	// Workers is the number of workers. Zero means DefaultWorkers().
	Workers int
	// QueueDepth bounds the number of queued jobs. Zero means Workers*100.
	QueueDepth  int
	Connections *connpool.Pool
	Execute     ExecuteFunc
	// Encode defaults to JSON regardless of the requested format.
	Encode  EncodeFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultWorkers returns the default worker count for this machine.
func DefaultWorkers() int {
	return runtime.NumCPU() + 1
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int
	Busy      int64
	Queued    int
	Completed uint64
	Failed    uint64
	Expired   uint64
}

// Pool is a fixed set of workers sharing one job queue.
type Pool struct {
	cfg   Config
	queue chan *job.Job

	mu      sync.RWMutex
	running bool

	wg   sync.WaitGroup
	done chan struct{}

	busy      atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	expired   atomic.Uint64
}

// Start validates cfg, starts the workers and returns the running pool.
func Start(cfg Config) (*Pool, error) {
	if cfg.Connections == nil {
		return nil, errors.New(errors.KindInvalidRequest, "worker pool needs a connection pool")
	}
	if cfg.Execute == nil {
		return nil, errors.New(errors.KindInvalidRequest, "worker pool needs a query engine")
	}
	if cfg.Workers < 0 || cfg.QueueDepth < 0 {
		return nil, errors.New(errors.KindInvalidRequest, "worker count and queue depth must not be negative")
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = cfg.Workers * 100
	}
	if cfg.Encode == nil {
		cfg.Encode = func(_ string, v any) ([]byte, error) { return json.Marshal(v) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		cfg:     cfg,
		queue:   make(chan *job.Job, cfg.QueueDepth),
		running: true,
		done:    make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		w := &worker{
			id:     i + 1,
			pool:   p,
			logger: cfg.Logger.With("workerID", i+1),
		}
		p.wg.Add(1)
		go w.run()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	cfg.Logger.Info("worker pool started",
		"workers", cfg.Workers,
		"queueDepth", cfg.QueueDepth,
		"connections", cfg.Connections.Capacity())
	return p, nil
}

// Submit enqueues j without blocking. It fails with KindShuttingDown once
// Shutdown has begun and with KindQueueFull when the queue is at depth; in
// both cases j is not resolved and the caller owns the failure.
func (p *Pool) Submit(j *job.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		p.cfg.Metrics.RecordSubmit(string(errors.KindShuttingDown))
		return errors.New(errors.KindShuttingDown, "worker pool is shut down")
	}

	select {
	case p.queue <- j:
		p.cfg.Metrics.RecordSubmit("accepted")
		p.cfg.Metrics.UpdateWorkers(int(p.busy.Load()), len(p.queue))
		return nil
	default:
		p.cfg.Metrics.RecordSubmit(string(errors.KindQueueFull))
		return errors.New(errors.KindQueueFull, "job queue is full")
	}
}

// Shutdown stops accepting jobs and waits until every queued and in-flight
// job has been resolved. If ctx ends first Shutdown returns ctx.Err() while
// the workers keep draining. Calling it again only waits.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.running = false
		close(p.queue)
		p.cfg.Logger.Info("worker pool draining", "queued", len(p.queue))
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed after every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Busy:      p.busy.Load(),
		Queued:    len(p.queue),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Expired:   p.expired.Load(),
	}
}
