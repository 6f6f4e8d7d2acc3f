// Package flusher schedules buffer drains against the sink and tracks
// in-flight background shipments so shutdown can await them in order.
package flusher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/openobserve/openobserve-lambda-extension/internal/buffer"
	"github.com/openobserve/openobserve-lambda-extension/internal/telemetry"
)

// failureWarnWindow rate-limits dropped-batch warnings when the sink keeps failing.
const failureWarnWindow = 30 * time.Second

// Sender ships one batch to the remote sink.
type Sender interface {
	Send(ctx context.Context, records []telemetry.Record) error
}

// Handle is one in-flight background shipment.
type Handle struct {
	done    chan struct{}
	cancel  context.CancelFunc
	records int
	err     error
}

// Done is closed when the shipment's attempt chain terminates.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports the shipment outcome. Valid only after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Flusher drains the buffer into the sender, either synchronously or on a
// background goroutine with an ordered in-flight set.
type Flusher struct {
	buf    *buffer.Buffer
	sender Sender
	log    logr.Logger

	mu       sync.Mutex
	inflight []*Handle

	blockingMu sync.Mutex
	blockingCh chan struct{}

	shippedRecords atomic.Uint64
	droppedBatches atomic.Uint64
	abandoned      atomic.Uint64

	warnMu   sync.Mutex
	lastWarn time.Time
}

func New(buf *buffer.Buffer, sender Sender, log logr.Logger) *Flusher {
	return &Flusher{
		buf:    buf,
		sender: sender,
		log:    log,
	}
}

// BlockingDrain drains the buffer and awaits the sink synchronously. Only one
// blocking drain runs at a time; concurrent callers wait for the one in
// flight instead of starting another.
func (f *Flusher) BlockingDrain(ctx context.Context) error {
	f.blockingMu.Lock()
	if f.blockingCh != nil {
		ch := f.blockingCh
		f.blockingMu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	f.blockingCh = ch
	f.blockingMu.Unlock()

	defer func() {
		f.blockingMu.Lock()
		f.blockingCh = nil
		f.blockingMu.Unlock()
		close(ch)
	}()

	records := f.buf.DrainBatch(0)
	if len(records) == 0 {
		return nil
	}

	return f.send(ctx, records)
}

// BackgroundDrain drains the buffer and ships it on a new goroutine,
// registering the shipment in the in-flight set. The drain is skipped (nil
// handle) when the buffer is empty or a blocking drain is in progress.
func (f *Flusher) BackgroundDrain(ctx context.Context) *Handle {
	f.blockingMu.Lock()
	blocking := f.blockingCh != nil
	f.blockingMu.Unlock()
	if blocking {
		return nil
	}

	records := f.buf.DrainBatch(0)
	if len(records) == 0 {
		return nil
	}

	sendCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		done:    make(chan struct{}),
		cancel:  cancel,
		records: len(records),
	}
	f.mu.Lock()
	f.inflight = append(f.inflight, h)
	f.mu.Unlock()

	go func() {
		defer cancel()
		h.err = f.send(sendCtx, records)
		close(h.done)
		f.remove(h)
	}()

	return h
}

// AwaitAll waits for in-flight shipments in submission order until ctx
// expires, then cancels and abandons the remainder. It reports how many
// completed and how many were abandoned.
func (f *Flusher) AwaitAll(ctx context.Context) (completed, abandoned int) {
	f.mu.Lock()
	handles := f.inflight
	f.inflight = nil
	f.mu.Unlock()

	for i, h := range handles {
		select {
		case <-h.done:
			completed++
		case <-ctx.Done():
			for _, rest := range handles[i:] {
				rest.cancel()
			}
			abandoned = len(handles) - i
			f.abandoned.Add(uint64(abandoned))

			return completed, abandoned
		}
	}

	return completed, 0
}

// ShippedRecords is the number of records delivered to the sink.
func (f *Flusher) ShippedRecords() uint64 {
	return f.shippedRecords.Load()
}

// DroppedBatches is the number of batches lost to permanent or exhausted sink errors.
func (f *Flusher) DroppedBatches() uint64 {
	return f.droppedBatches.Load()
}

// Abandoned is the number of shipments abandoned at the shutdown deadline.
func (f *Flusher) Abandoned() uint64 {
	return f.abandoned.Load()
}

func (f *Flusher) send(ctx context.Context, records []telemetry.Record) error {
	if err := f.sender.Send(ctx, records); err != nil {
		f.droppedBatches.Add(1)
		f.warnMu.Lock()
		warn := time.Since(f.lastWarn) >= failureWarnWindow
		if warn {
			f.lastWarn = time.Now()
		}
		f.warnMu.Unlock()
		if warn {
			f.log.Error(err, "dropping telemetry batch after sink failure", "records", len(records), "droppedBatches", f.droppedBatches.Load())
		}

		return err
	}
	f.shippedRecords.Add(uint64(len(records)))

	return nil
}

func (f *Flusher) remove(h *Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.inflight {
		if cur == h {
			f.inflight = append(f.inflight[:i], f.inflight[i+1:]...)

			return
		}
	}
}
