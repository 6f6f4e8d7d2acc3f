package flusher_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"github.com/tonglil/buflogr"

	"github.com/openobserve/openobserve-lambda-extension/internal/buffer"
	"github.com/openobserve/openobserve-lambda-extension/internal/flusher"
	"github.com/openobserve/openobserve-lambda-extension/internal/telemetry"
)

var errSink = errors.New("sink unavailable")

type fakeSender struct {
	mu      sync.Mutex
	batches [][]telemetry.Record
	err     error

	// when set, Send signals started and then blocks until gate closes or ctx expires
	started chan struct{}
	gate    chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, records []telemetry.Record) error {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, records)

	return nil
}

func (s *fakeSender) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.batches)
}

func newBuffer(t *testing.T, payloads ...string) *buffer.Buffer {
	t.Helper()

	buf := buffer.New(1<<20, logr.Discard())
	for _, payload := range payloads {
		record, parsed := telemetry.NewRecord(telemetry.Event{
			Time:   "2024-01-01T00:00:00Z",
			Type:   telemetry.TypeFunction,
			Record: json.RawMessage(fmt.Sprintf("%q", payload)),
		}, time.Now())
		require.True(t, parsed)
		buf.Push([]telemetry.Record{record})
	}

	return buf
}

func TestBlockingDrain(t *testing.T) {
	buf := newBuffer(t, "a", "b")
	sender := &fakeSender{}
	fl := flusher.New(buf, sender, logr.Discard())

	require.NoError(t, fl.BlockingDrain(context.Background()))
	require.True(t, buf.IsEmpty())
	require.Equal(t, 1, sender.batchCount())
	require.Equal(t, uint64(2), fl.ShippedRecords())
}

func TestBlockingDrainEmptyBuffer(t *testing.T) {
	sender := &fakeSender{}
	fl := flusher.New(newBuffer(t), sender, logr.Discard())

	require.NoError(t, fl.BlockingDrain(context.Background()))
	require.Zero(t, sender.batchCount())
}

func TestBlockingDrainCoalesces(t *testing.T) {
	buf := newBuffer(t, "a")
	sender := &fakeSender{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	fl := flusher.New(buf, sender, logr.Discard())

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- fl.BlockingDrain(context.Background())
	}()
	<-sender.started

	// a second caller waits for the drain in flight instead of starting another
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- fl.BlockingDrain(context.Background())
	}()

	select {
	case <-secondDone:
		t.Fatal("second blocking drain returned before the first finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(sender.gate)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
	require.Equal(t, 1, sender.batchCount())
}

func TestBackgroundDrain(t *testing.T) {
	buf := newBuffer(t, "a")
	sender := &fakeSender{}
	fl := flusher.New(buf, sender, logr.Discard())

	h := fl.BackgroundDrain(context.Background())
	require.NotNil(t, h)

	<-h.Done()
	require.NoError(t, h.Err())
	require.Equal(t, 1, sender.batchCount())
	require.True(t, buf.IsEmpty())
}

func TestBackgroundDrainEmptyBuffer(t *testing.T) {
	fl := flusher.New(newBuffer(t), &fakeSender{}, logr.Discard())
	require.Nil(t, fl.BackgroundDrain(context.Background()))
}

func TestBackgroundDrainSkippedDuringBlockingDrain(t *testing.T) {
	buf := newBuffer(t, "a", "b")
	sender := &fakeSender{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	fl := flusher.New(buf, sender, logr.Discard())

	blockingDone := make(chan error, 1)
	go func() {
		blockingDone <- fl.BlockingDrain(context.Background())
	}()
	<-sender.started

	require.Nil(t, fl.BackgroundDrain(context.Background()), "background drain must be skipped while a blocking drain is in flight")

	close(sender.gate)
	require.NoError(t, <-blockingDone)
}

func TestAwaitAllCompletes(t *testing.T) {
	buf := newBuffer(t, "a")
	sender := &fakeSender{}
	fl := flusher.New(buf, sender, logr.Discard())

	h := fl.BackgroundDrain(context.Background())
	require.NotNil(t, h)

	completed, abandoned := fl.AwaitAll(context.Background())
	require.LessOrEqual(t, completed, 1) // the handle may already have finished and deregistered
	require.Zero(t, abandoned)
	require.Zero(t, fl.Abandoned())
}

func TestAwaitAllAbandonsAtDeadline(t *testing.T) {
	buf := newBuffer(t, "a")
	sender := &fakeSender{gate: make(chan struct{})} // never closes: shipment hangs
	fl := flusher.New(buf, sender, logr.Discard())

	h := fl.BackgroundDrain(context.Background())
	require.NotNil(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	completed, abandoned := fl.AwaitAll(ctx)
	require.Less(t, time.Since(start), time.Second)
	require.Zero(t, completed)
	require.Equal(t, 1, abandoned)
	require.Equal(t, uint64(1), fl.Abandoned())

	// the abandoned shipment was canceled, not left running
	select {
	case <-h.Done():
		require.Error(t, h.Err())
	case <-time.After(time.Second):
		t.Fatal("abandoned shipment was not canceled")
	}
}

func TestSendFailureDropsBatchAndWarnsOnce(t *testing.T) {
	buf := newBuffer(t, "a")
	sender := &fakeSender{err: errSink}

	var out bytes.Buffer
	fl := flusher.New(buf, sender, buflogr.NewWithBuffer(&out))

	require.Error(t, fl.BlockingDrain(context.Background()))

	buf.Push(newBufferRecords(t, "b"))
	require.Error(t, fl.BlockingDrain(context.Background()))

	require.Equal(t, uint64(2), fl.DroppedBatches())
	require.Equal(t, 1, bytes.Count(out.Bytes(), []byte("dropping telemetry batch")), "repeated sink failures warn once per window")
}

func newBufferRecords(t *testing.T, payload string) []telemetry.Record {
	t.Helper()

	record, parsed := telemetry.NewRecord(telemetry.Event{
		Time:   "2024-01-01T00:00:00Z",
		Type:   telemetry.TypeFunction,
		Record: json.RawMessage(fmt.Sprintf("%q", payload)),
	}, time.Now())
	require.True(t, parsed)

	return []telemetry.Record{record}
}
