// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package job defines the unit of work passed from the front ends to the
// worker pool and the single-assignment slot its result is delivered through.
package job

import (
	"context"
	"sync"
	"time"
)

// Request is one query submission. It is not modified after it is submitted.
type Request struct {
	ID       string
	Document []byte
	// Format selects the result encoding ("json" or "arrow"). Empty means json.
	Format string
	// Deadline, when non-zero, is the latest time execution may start.
	Deadline time.Time
	Received time.Time
}

// Expired reports whether the request deadline has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// Result is the outcome of one job: a serialized payload or an error.
type Result struct {
	Payload   []byte
	Format    string
	Err       error
	WorkerID  int
	QueueWait time.Duration
	Duration  time.Duration
}

// OK reports whether the job succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Pending is a write-once, read-many result slot. The first Resolve wins;
// later calls are ignored. Any number of goroutines may wait on it.
type Pending struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

// NewPending returns an unresolved slot.
func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Resolve stores r and wakes all waiters. It reports whether this call
// performed the resolution.
func (p *Pending) Resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.result = r
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel that is closed once the slot is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the slot is resolved or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the stored result and whether the slot has been resolved.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result{}, false
	}
}

// Job is a request paired with the slot its result goes to.
type Job struct {
	Request  *Request
	Pending  *Pending
	Enqueued time.Time
}

// New pairs req with a fresh Pending.
func New(req *Request) *Job {
	return &Job{Request: req, Pending: NewPending()}
}
