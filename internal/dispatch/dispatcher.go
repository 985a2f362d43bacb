// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dispatch turns front end requests into queued jobs and hands back
// the slot their results will be delivered through.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"querygate/server/internal/errors"
	"querygate/server/internal/job"
)

// Submitter accepts jobs without blocking. *worker.Pool satisfies it.
type Submitter interface {
	Submit(j *job.Job) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueTimeout sets the deadline applied to requests that carry none.
// Zero leaves such requests without a deadline.
func WithQueueTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.queueTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) { disp.now = now }
}

// Dispatcher forwards requests to a Submitter.
type Dispatcher struct {
	sub          Submitter
	queueTimeout time.Duration
	now          func() time.Time
}

// New returns a dispatcher feeding s.
func New(s Submitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{sub: s, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit enqueues req and returns immediately with its pending result. When
// the submitter rejects the job the error is returned and there is no
// pending result to wait on.
func (d *Dispatcher) Submit(req *job.Request) (*job.Pending, error) {
	if req == nil || len(req.Document) == 0 {
		return nil, errors.New(errors.KindInvalidRequest, "empty query document")
	}
	now := d.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Received.IsZero() {
		req.Received = now
	}
	if req.Deadline.IsZero() && d.queueTimeout > 0 {
		req.Deadline = req.Received.Add(d.queueTimeout)
	}

	j := job.New(req)
	j.Enqueued = now
	if err := d.sub.Submit(j); err != nil {
		return nil, err
	}
	return j.Pending, nil
}

// Do submits req and waits for its result. A ctx that ends first yields a
// KindCanceled error; the job itself still runs to completion.
func (d *Dispatcher) Do(ctx context.Context, req *job.Request) (job.Result, error) {
	pending, err := d.Submit(req)
	if err != nil {
		return job.Result{}, err
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		return job.Result{}, errors.Wrap(errors.KindCanceled, "stopped waiting for result", err)
	}
	return res, nil
}
