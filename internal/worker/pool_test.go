package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"querygate/server/internal/connpool"
	"querygate/server/internal/errors"
	"querygate/server/internal/job"
	"querygate/server/internal/logging"
)

type testSession struct{ closed atomic.Bool }

func (s *testSession) Close(context.Context) error { s.closed.Store(true); return nil }
func (s *testSession) IsClosed() bool              { return s.closed.Load() }

func newConnections(t *testing.T, capacity int, timeout time.Duration) *connpool.Pool {
	t.Helper()
	p := connpool.New(connpool.DialFunc(func(context.Context) (connpool.Session, error) {
		return &testSession{}, nil
	}), connpool.Options{Capacity: capacity, AcquireTimeout: timeout})
	t.Cleanup(func() { p.Close() })
	return p
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	p, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func submit(t *testing.T, p *Pool, doc string, deadline time.Time) *job.Pending {
	t.Helper()
	j := job.New(&job.Request{ID: doc, Document: []byte(doc), Deadline: deadline})
	j.Enqueued = time.Now()
	if err := p.Submit(j); err != nil {
		t.Fatalf("Submit(%q) error = %v", doc, err)
	}
	return j.Pending
}

func wait(t *testing.T, pending *job.Pending) job.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return r
}

// concurrencyTracker is an engine that echoes the document after a delay and
// tracks how many executions overlap.
type concurrencyTracker struct {
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
}

func (c *concurrencyTracker) execute(_ context.Context, doc []byte, _ connpool.Session) (any, error) {
	n := c.current.Add(1)
	for {
		old := c.peak.Load()
		if n <= old || c.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(c.delay)
	c.current.Add(-1)
	return string(doc), nil
}

func TestConcurrencyIsMinOfConnectionsAndWorkers(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		workers  int
		want     int32
	}{
		{"connections bound", 2, 3, 2},
		{"workers bound", 5, 2, 2},
		{"equal", 3, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &concurrencyTracker{delay: 50 * time.Millisecond}
			p := startPool(t, Config{
				Workers:     tt.workers,
				Connections: newConnections(t, tt.capacity, 0),
				Execute:     tracker.execute,
			})

			var pendings []*job.Pending
			for i := 0; i < 5; i++ {
				pendings = append(pendings, submit(t, p, fmt.Sprintf("job-%d", i), time.Time{}))
			}
			for i, pending := range pendings {
				r := wait(t, pending)
				if r.Err != nil {
					t.Fatalf("job %d error = %v", i, r.Err)
				}
				if want := fmt.Sprintf(`"job-%d"`, i); string(r.Payload) != want {
					t.Errorf("job %d payload = %s, want %s", i, r.Payload, want)
				}
			}

			if got := tracker.peak.Load(); got != tt.want {
				t.Errorf("peak concurrent executions = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFIFOWithSingleWorker(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})

	p := startPool(t, Config{
		Workers:     1,
		Connections: newConnections(t, 1, 0),
		Execute: func(_ context.Context, doc []byte, _ connpool.Session) (any, error) {
			<-gate
			mu.Lock()
			order = append(order, string(doc))
			mu.Unlock()
			return nil, nil
		},
	})

	var pendings []*job.Pending
	for i := 0; i < 10; i++ {
		pendings = append(pendings, submit(t, p, fmt.Sprintf("%02d", i), time.Time{}))
	}
	close(gate)
	for _, pending := range pendings {
		wait(t, pending)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if want := fmt.Sprintf("%02d", i); got != want {
			t.Fatalf("execution order = %v, want ascending", order)
		}
	}
}

func TestPanicIsIsolatedToItsJob(t *testing.T) {
	conns := newConnections(t, 1, 0)
	p := startPool(t, Config{
		Workers:     1,
		Connections: conns,
		Execute: func(_ context.Context, doc []byte, _ connpool.Session) (any, error) {
			if string(doc) == "boom" {
				panic("engine exploded")
			}
			return "fine", nil
		},
	})

	bad := submit(t, p, "boom", time.Time{})
	good := submit(t, p, "select", time.Time{})

	if r := wait(t, bad); !errors.Is(r.Err, errors.KindExecutionFailed) {
		t.Errorf("panicking job error = %v, want kind %s", r.Err, errors.KindExecutionFailed)
	}
	if r := wait(t, good); r.Err != nil {
		t.Errorf("following job error = %v, want success", r.Err)
	}

	if got := conns.Stats().Discarded; got != 1 {
		t.Errorf("discarded connections = %d, want 1", got)
	}
	if got := conns.Stats().InUse; got != 0 {
		t.Errorf("connections in use = %d, want 0", got)
	}
}

func TestFaultsDoNotLeakConnections(t *testing.T) {
	const k = 3
	conns := newConnections(t, k, time.Second)
	engineErr := stderrors.New("relation does not exist")
	p := startPool(t, Config{
		Workers:     k,
		Connections: conns,
		Execute: func(_ context.Context, doc []byte, _ connpool.Session) (any, error) {
			if string(doc) == "panic" {
				panic("bad state")
			}
			return nil, engineErr
		},
	})

	var pendings []*job.Pending
	for i := 0; i < k; i++ {
		doc := "error"
		if i%2 == 0 {
			doc = "panic"
		}
		pendings = append(pendings, submit(t, p, doc, time.Time{}))
	}
	for _, pending := range pendings {
		r := wait(t, pending)
		if !errors.Is(r.Err, errors.KindExecutionFailed) {
			t.Errorf("job error = %v, want kind %s", r.Err, errors.KindExecutionFailed)
		}
	}

	var held []*connpool.Conn
	for i := 0; i < k; i++ {
		c, err := conns.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire() %d after faults error = %v", i, err)
		}
		held = append(held, c)
	}
	for _, c := range held {
		c.Release()
	}
}

func TestEngineErrorIsWrapped(t *testing.T) {
	engineErr := stderrors.New("syntax error at or near \"selec\"")
	p := startPool(t, Config{
		Workers:     1,
		Connections: newConnections(t, 1, 0),
		Execute: func(context.Context, []byte, connpool.Session) (any, error) {
			return nil, engineErr
		},
	})

	r := wait(t, submit(t, p, "selec 1", time.Time{}))
	if !errors.Is(r.Err, errors.KindExecutionFailed) {
		t.Errorf("error kind = %q, want %q", errors.KindOf(r.Err), errors.KindExecutionFailed)
	}
	if !stderrors.Is(r.Err, engineErr) {
		t.Error("engine error not preserved in the chain")
	}
	if r.WorkerID != 1 {
		t.Errorf("WorkerID = %d, want 1", r.WorkerID)
	}
}

func TestEncodeFailure(t *testing.T) {
	p := startPool(t, Config{
		Workers:     1,
		Connections: newConnections(t, 1, 0),
		Execute: func(context.Context, []byte, connpool.Session) (any, error) {
			return "value", nil
		},
		Encode: func(string, any) ([]byte, error) {
			return nil, stderrors.New("unsupported type")
		},
	})

	r := wait(t, submit(t, p, "q", time.Time{}))
	if !errors.Is(r.Err, errors.KindSerializationFailed) {
		t.Errorf("error = %v, want kind %s", r.Err, errors.KindSerializationFailed)
	}
}

func TestExpiredJobNeverTouchesConnections(t *testing.T) {
	var dials atomic.Int32
	conns := connpool.New(connpool.DialFunc(func(context.Context) (connpool.Session, error) {
		dials.Add(1)
		return &testSession{}, nil
	}), connpool.Options{Capacity: 0})
	t.Cleanup(func() { conns.Close() })

	p := startPool(t, Config{
		Workers:     1,
		Connections: conns,
		Execute: func(context.Context, []byte, connpool.Session) (any, error) {
			t.Error("engine called for an expired job")
			return nil, nil
		},
	})

	r := wait(t, submit(t, p, "late", time.Now().Add(-time.Second)))
	if !errors.Is(r.Err, errors.KindExpired) {
		t.Errorf("error = %v, want kind %s", r.Err, errors.KindExpired)
	}
	if dials.Load() != 0 {
		t.Error("expired job opened a connection")
	}
	if got := p.Stats().Expired; got != 1 {
		t.Errorf("Stats().Expired = %d, want 1", got)
	}
}

func TestZeroCapacityJobFailsAtDeadline(t *testing.T) {
	p := startPool(t, Config{
		Workers:     1,
		Connections: newConnections(t, 0, 0),
		Execute: func(context.Context, []byte, connpool.Session) (any, error) {
			return nil, nil
		},
	})

	pending := submit(t, p, "q", time.Now().Add(50*time.Millisecond))

	select {
	case <-pending.Done():
		t.Fatal("job resolved before its deadline on a zero-capacity pool")
	case <-time.After(20 * time.Millisecond):
	}

	r := wait(t, pending)
	if !errors.Is(r.Err, errors.KindExpired) {
		t.Errorf("error = %v, want kind %s", r.Err, errors.KindExpired)
	}
	if got := p.Stats().Expired; got != 1 {
		t.Errorf("Stats().Expired = %d, want 1", got)
	}
}

// A pool acquire timeout shorter than the request deadline is still
// reported as exhaustion.
func TestAcquireTimeoutBeforeDeadlineIsExhaustion(t *testing.T) {
	p := startPool(t, Config{
		Workers:     1,
		Connections: newConnections(t, 0, 20*time.Millisecond),
		Execute: func(context.Context, []byte, connpool.Session) (any, error) {
			return nil, nil
		},
	})

	r := wait(t, submit(t, p, "q", time.Now().Add(5*time.Second)))
	if !errors.Is(r.Err, errors.KindPoolExhausted) {
		t.Errorf("error = %v, want kind %s", r.Err, errors.KindPoolExhausted)
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	p, err := Start(Config{
		Workers:     1,
		Connections: newConnections(t, 1, 0),
		Logger:      logging.Discard(),
		Execute: func(_ context.Context, doc []byte, _ connpool.Session) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return string(doc), nil
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var pendings []*job.Pending
	for i := 0; i < 5; i++ {
		pendings = append(pendings, submit(t, p, fmt.Sprintf("q%d", i), time.Time{}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for i, pending := range pendings {
		r, ok := pending.Result()
		if !ok {
			t.Fatalf("job %d unresolved after Shutdown returned", i)
		}
		if r.Err != nil {
			t.Errorf("job %d error = %v", i, r.Err)
		}
	}

	j := job.New(&job.Request{Document: []byte("late")})
	if err := p.Submit(j); !errors.Is(err, errors.KindShuttingDown) {
		t.Errorf("Submit() after Shutdown error = %v, want kind %s", err, errors.KindShuttingDown)
	}
	if _, ok := j.Pending.Result(); ok {
		t.Error("rejected job was resolved")
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestShutdownHonoursContext(t *testing.T) {
	release := make(chan struct{})
	p, err := Start(Config{
		Workers:     1,
		Connections: newConnections(t, 1, 0),
		Logger:      logging.Discard(),
		Execute: func(context.Context, []byte, connpool.Session) (any, error) {
			<-release
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pending := submit(t, p, "slow", time.Time{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want %v", err, context.DeadlineExceeded)
	}

	close(release)
	wait(t, pending)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not exit after draining")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := startPool(t, Config{
		Workers:     1,
		QueueDepth:  1,
		Connections: newConnections(t, 1, 0),
		Execute: func(context.Context, []byte, connpool.Session) (any, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
	})
	defer close(release)

	submit(t, p, "running", time.Time{})
	<-started
	submit(t, p, "queued", time.Time{})

	err := p.Submit(job.New(&job.Request{Document: []byte("overflow")}))
	if !errors.Is(err, errors.KindQueueFull) {
		t.Errorf("Submit() error = %v, want kind %s", err, errors.KindQueueFull)
	}
	if got := p.Stats().Queued; got != 1 {
		t.Errorf("Stats().Queued = %d, want 1", got)
	}
}

func TestStartValidatesConfig(t *testing.T) {
	conns := newConnections(t, 1, 0)
	exec := func(context.Context, []byte, connpool.Session) (any, error) { return nil, nil }

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no connections", Config{Execute: exec}},
		{"no engine", Config{Connections: conns}},
		{"negative workers", Config{Workers: -1, Connections: conns, Execute: exec}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Start(tt.cfg); err == nil {
				t.Error("Start() error = nil, want error")
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	p := startPool(t, Config{
		Connections: newConnections(t, 1, 0),
		Execute:     func(context.Context, []byte, connpool.Session) (any, error) { return nil, nil },
	})

	st := p.Stats()
	if st.Workers != DefaultWorkers() {
		t.Errorf("Workers = %d, want %d", st.Workers, DefaultWorkers())
	}
	if got, want := cap(p.queue), DefaultWorkers()*100; got != want {
		t.Errorf("queue depth = %d, want %d", got, want)
	}
}
