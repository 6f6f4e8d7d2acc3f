// Package receiver implements the local HTTP endpoint the Lambda runtime
// pushes telemetry batches to.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/openobserve/openobserve-lambda-extension/internal/buffer"
	"github.com/openobserve/openobserve-lambda-extension/internal/telemetry"
)

// DefaultListenAddr is the preferred listener. When the port is taken the
// receiver falls back to an OS-assigned one.
const DefaultListenAddr = "127.0.0.1:8080"

// RuntimeDoneFunc is notified for every platform.runtimeDone event, feeding
// the adaptive flush policy.
type RuntimeDoneFunc func(record telemetry.RuntimeDoneRecord)

// Receiver accepts POSTed telemetry batches, normalizes the records and
// enqueues each batch atomically into the buffer. It runs for the whole
// extension lifetime; during the shutdown drain phase it keeps answering 200
// but discards payloads so the runtime never blocks on it.
type Receiver struct {
	buf           *buffer.Buffer
	log           logr.Logger
	onRuntimeDone RuntimeDoneFunc
	addr          string
	now           func() time.Time

	srv  *http.Server
	port int

	errCh chan error

	discard       atomic.Bool
	timeFailures  atomic.Uint64
	badRequests   atomic.Uint64
	lambdaDropped atomic.Uint64
}

func New(buf *buffer.Buffer, log logr.Logger, onRuntimeDone RuntimeDoneFunc, addr string) *Receiver {
	if addr == "" {
		addr = DefaultListenAddr
	}
	r := &Receiver{
		buf:           buf,
		log:           log,
		onRuntimeDone: onRuntimeDone,
		addr:          addr,
		now:           time.Now,
		errCh:         make(chan error, 1),
	}
	r.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: time.Second,
	}

	return r
}

// Start binds the listener and serves in the background. Serve failures after
// startup surface on Err.
func (r *Receiver) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		host, _, splitErr := net.SplitHostPort(r.addr)
		if splitErr != nil {
			return fmt.Errorf("could not start telemetry receiver: %w", err)
		}
		r.log.V(1).Info("preferred receiver port is taken, falling back to an os-assigned one", "addr", r.addr)
		ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return fmt.Errorf("could not start telemetry receiver: %w", err)
		}
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()

		return fmt.Errorf("telemetry receiver listener has unexpected address type %T", ln.Addr())
	}
	r.port = tcpAddr.Port
	r.log.V(1).Info("telemetry receiver listening", "addr", ln.Addr().String())

	go func() {
		err := r.srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			err = fmt.Errorf("telemetry receiver failed: %w", err)
			r.log.Error(err, "")
			select {
			case r.errCh <- err:
			default:
			}
		} else {
			r.log.V(1).Info("telemetry receiver stopped")
		}
	}()

	return nil
}

// URL is the subscription destination. Lambda accepts only the
// sandbox.localdomain host for HTTP destinations.
func (r *Receiver) URL() string {
	return fmt.Sprintf("http://sandbox.localdomain:%d/", r.port)
}

// Err surfaces a serve failure after a successful Start.
func (r *Receiver) Err() <-chan error {
	return r.errCh
}

// Discard switches the receiver into the shutdown drain phase: requests are
// still answered 200 but their contents are dropped.
func (r *Receiver) Discard() {
	r.discard.Store(true)
}

// Shutdown gracefully stops the HTTP server.
func (r *Receiver) Shutdown(ctx context.Context) error {
	return r.srv.Shutdown(ctx)
}

// TimeFailures counts events whose time field did not parse.
func (r *Receiver) TimeFailures() uint64 {
	return r.timeFailures.Load()
}

// BadRequests counts malformed POST bodies.
func (r *Receiver) BadRequests() uint64 {
	return r.badRequests.Load()
}

// LambdaDropped counts records Lambda reported dropping via platform.logsDropped.
func (r *Receiver) LambdaDropped() uint64 {
	return r.lambdaDropped.Load()
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer func() {
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()
	}()

	if req.Method != http.MethodPost {
		err := fmt.Errorf("got unexpected HTTP request method %s, want POST", req.Method)
		http.Error(w, err.Error(), http.StatusBadRequest)
		r.badRequests.Add(1)
		r.log.Error(err, "")

		return
	}

	if r.discard.Load() {
		w.WriteHeader(http.StatusOK)

		return
	}

	events, err := telemetry.DecodeEvents(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		r.badRequests.Add(1)
		r.log.Error(err, "could not decode telemetry batch")

		return
	}

	records := make([]telemetry.Record, 0, len(events))
	var runtimeDone []telemetry.RuntimeDoneRecord
	now := r.now()
	for _, ev := range events {
		record, parsed := telemetry.NewRecord(ev, now)
		if !parsed {
			r.timeFailures.Add(1)
		}
		records = append(records, record)

		if done, ok := ev.RuntimeDone(); ok {
			runtimeDone = append(runtimeDone, done)
		}
		if dropped, ok := ev.LogsDropped(); ok {
			r.lambdaDropped.Add(uint64(dropped.DroppedRecords))
			r.log.Info("lambda dropped telemetry before delivery", "droppedRecords", dropped.DroppedRecords, "droppedBytes", dropped.DroppedBytes, "reason", dropped.Reason)
		}
	}
	r.buf.Push(records)

	// notify after the batch is buffered so a triggered drain sees it
	if r.onRuntimeDone != nil {
		for _, done := range runtimeDone {
			r.onRuntimeDone(done)
		}
	}

	w.WriteHeader(http.StatusOK)
}
