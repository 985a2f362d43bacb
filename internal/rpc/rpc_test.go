package rpc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"querygate/server/internal/errors"
	"querygate/server/internal/job"
	"querygate/server/internal/logging"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	last *job.Request
	fn   func(*job.Request) (job.Result, error)
}

func (f *fakeDispatcher) Submit(req *job.Request) (*job.Pending, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	res, err := f.fn(req)
	if err != nil {
		return nil, err
	}
	p := job.NewPending()
	p.Resolve(res)
	return p, nil
}

func (f *fakeDispatcher) lastRequest() *job.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// startServer serves d over an in-memory listener and returns a client for it.
func startServer(t *testing.T, d Dispatcher) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(NewService(d, logging.Discard(), nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet", false,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExecute(t *testing.T) {
	d := &fakeDispatcher{fn: func(req *job.Request) (job.Result, error) {
		return job.Result{Payload: []byte(`{"rows":[[1]]}`), Format: req.Format}, nil
	}}
	c := startServer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := c.Execute(ctx, []byte(`{"query":"SELECT 1"}`), CallOptions{
		Format:    "arrow",
		Timeout:   2 * time.Second,
		RequestID: "rpc-1",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := string(reply.Payload); got != `{"rows":[[1]]}` {
		t.Errorf("payload = %q, want %q", got, `{"rows":[[1]]}`)
	}
	if reply.RequestID != "rpc-1" {
		t.Errorf("RequestID = %q, want %q", reply.RequestID, "rpc-1")
	}

	req := d.lastRequest()
	if req.Format != "arrow" {
		t.Errorf("format = %q, want %q", req.Format, "arrow")
	}
	if req.Deadline.IsZero() || req.Deadline.Sub(req.Received) > 2*time.Second {
		t.Errorf("deadline = %v after receipt, want at most 2s", req.Deadline.Sub(req.Received))
	}
}

func TestExecuteGeneratesRequestID(t *testing.T) {
	d := &fakeDispatcher{fn: func(*job.Request) (job.Result, error) {
		return job.Result{Payload: []byte("{}")}, nil
	}}
	c := startServer(t, d)

	reply, err := c.Execute(context.Background(), []byte(`{"query":"SELECT 1"}`), CallOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(reply.RequestID) != 36 || reply.RequestID != d.lastRequest().ID {
		t.Errorf("RequestID = %q, want the generated id %q", reply.RequestID, d.lastRequest().ID)
	}
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		opts     CallOptions
		kind     errors.Kind
		rejected bool
		wantCode codes.Code
	}{
		{name: "bad document", doc: `SELECT 1`, wantCode: codes.InvalidArgument, kind: errors.KindInvalidRequest},
		{name: "bad format", doc: `{"query":"SELECT 1"}`, opts: CallOptions{Format: "xml"}, wantCode: codes.InvalidArgument, kind: errors.KindInvalidRequest},
		{name: "queue full", doc: `{"query":"SELECT 1"}`, kind: errors.KindQueueFull, rejected: true, wantCode: codes.ResourceExhausted},
		{name: "shutting down", doc: `{"query":"SELECT 1"}`, kind: errors.KindShuttingDown, rejected: true, wantCode: codes.Unavailable},
		{name: "backend down", doc: `{"query":"SELECT 1"}`, kind: errors.KindBackendUnavailable, wantCode: codes.Unavailable},
		{name: "expired", doc: `{"query":"SELECT 1"}`, kind: errors.KindExpired, wantCode: codes.DeadlineExceeded},
		{name: "engine error", doc: `{"query":"SELECT 1"}`, kind: errors.KindExecutionFailed, wantCode: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{fn: func(*job.Request) (job.Result, error) {
				err := errors.New(tt.kind, "boom")
				if tt.rejected {
					return job.Result{}, err
				}
				return job.Result{Err: err}, nil
			}}
			c := startServer(t, d)

			_, err := c.Execute(context.Background(), []byte(tt.doc), tt.opts)
			if err == nil {
				t.Fatal("Execute() error = nil, want error")
			}
			if code := status.Code(err); code != tt.wantCode {
				t.Errorf("code = %v, want %v", code, tt.wantCode)
			}
			if kind := errors.KindOf(err); kind != tt.kind {
				t.Errorf("kind = %q, want %q", kind, tt.kind)
			}
		})
	}
}

func TestExecuteMasksMessages(t *testing.T) {
	d := &fakeDispatcher{fn: func(*job.Request) (job.Result, error) {
		return job.Result{Err: errors.New(errors.KindBackendUnavailable, "dial postgres://app:hunter2@db/app failed")}, nil
	}}
	c := startServer(t, d)

	_, err := c.Execute(context.Background(), []byte(`{"query":"SELECT 1"}`), CallOptions{})
	if err == nil || strings.Contains(err.Error(), "hunter2") {
		t.Errorf("Execute() error = %v, want a masked error", err)
	}
}

func TestCallerDeadlineBoundsStart(t *testing.T) {
	d := &fakeDispatcher{fn: func(*job.Request) (job.Result, error) {
		return job.Result{Payload: []byte("{}")}, nil
	}}
	svc := NewService(d, logging.Discard(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := svc.execute(ctx, "id", nil, []byte(`{"query":"SELECT 1"}`)); err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	dl, _ := ctx.Deadline()
	if got := d.lastRequest().Deadline; !got.Equal(dl) {
		t.Errorf("deadline = %v, want the call deadline %v", got, dl)
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		kind errors.Kind
		want codes.Code
	}{
		{errors.KindInvalidRequest, codes.InvalidArgument},
		{errors.KindRateLimited, codes.ResourceExhausted},
		{errors.KindPoolExhausted, codes.Unavailable},
		{errors.KindCanceled, codes.Canceled},
		{errors.KindSerializationFailed, codes.Internal},
		{"", codes.Internal},
	}
	for _, tt := range tests {
		if got := CodeFor(tt.kind); got != tt.want {
			t.Errorf("CodeFor(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
