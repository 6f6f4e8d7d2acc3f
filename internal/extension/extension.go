// Package extension drives the Lambda extension lifecycle: registration, the
// event/next long poll, the adaptive flushing policy and the shutdown drain.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/openobserve/openobserve-lambda-extension/extapi"
	"github.com/openobserve/openobserve-lambda-extension/internal/buffer"
	"github.com/openobserve/openobserve-lambda-extension/internal/config"
	"github.com/openobserve/openobserve-lambda-extension/internal/flusher"
	"github.com/openobserve/openobserve-lambda-extension/internal/receiver"
	"github.com/openobserve/openobserve-lambda-extension/internal/sink"
	"github.com/openobserve/openobserve-lambda-extension/internal/telemetry"
)

const (
	// registerTimeout bounds the registration and subscription handshakes.
	registerTimeout = 10 * time.Second
	// shutdownMargin is subtracted from the SHUTDOWN deadline so the process
	// exits on its own before the runtime SIGKILLs it.
	shutdownMargin = 100 * time.Millisecond
	// defaultShutdownDrain bounds the final drain when shutdown was triggered
	// without a SHUTDOWN event (external cancellation).
	defaultShutdownDrain = 2 * time.Second

	// ewmaAlpha weighs the newest inter-invoke interval in the moving average.
	ewmaAlpha = 0.3
	// backgroundThreshold selects post-response background flushing: a mean
	// inter-invoke interval below it means roughly ten invocations a minute
	// or more.
	backgroundThreshold = 6 * time.Second
	// idleFlushAfter triggers a periodic flush when no invoke arrived for this long.
	idleFlushAfter = 30 * time.Second
	idleTick       = 5 * time.Second

	subscribeMaxItems  = 1000
	subscribeMaxBytes  = 262144
	subscribeTimeoutMS = 1000
)

type options struct {
	clientOptions []extapi.Option
	listenAddr    string
}

type Option interface {
	apply(*options)
}

type clientOptionsOption []extapi.Option

func (o clientOptionsOption) apply(opts *options) {
	opts.clientOptions = o
}

// WithClientOptions passes options through to the Extensions API client.
func WithClientOptions(clientOptions ...extapi.Option) Option {
	return clientOptionsOption(clientOptions)
}

type listenAddrOption string

func (o listenAddrOption) apply(opts *options) {
	opts.listenAddr = string(o)
}

// WithListenAddr overrides the telemetry receiver listen address.
func WithListenAddr(addr string) Option {
	return listenAddrOption(addr)
}

// Extension owns the run loop state. One instance per process.
type Extension struct {
	log    logr.Logger
	client *extapi.Client
	buf    *buffer.Buffer
	fl     *flusher.Flusher
	rcv    *receiver.Receiver

	// bgCtx parents background shipments; it outlives the event loop so
	// in-flight sends survive into the shutdown await.
	bgCtx context.Context

	mu             sync.Mutex
	ewma           time.Duration
	haveEWMA       bool
	lastActivity   time.Time
	haveInvoke     bool
	requestID      string
	backgroundMode bool
}

// Run registers the extension, subscribes the telemetry receiver and blocks
// on the event loop until SHUTDOWN or a fatal error. Registration and
// subscription failures are fatal; runtime errors are logged and absorbed.
func Run(ctx context.Context, cfg *config.Config, log logr.Logger, opts ...Option) error {
	o := options{listenAddr: receiver.DefaultListenAddr}
	for _, opt := range opts {
		opt.apply(&o)
	}

	regCtx, regCancel := context.WithTimeout(ctx, registerTimeout)
	clientOpts := append([]extapi.Option{extapi.WithLogger(log)}, o.clientOptions...)
	client, err := extapi.Register(regCtx, clientOpts...)
	regCancel()
	if err != nil {
		return fmt.Errorf("could not register with Extensions API: %w", err)
	}
	log.Info(
		"registered with lambda",
		"functionName", client.FunctionName(),
		"functionVersion", client.FunctionVersion(),
		"accountID", client.AccountID(),
	)

	buf := buffer.New(cfg.MaxBufferBytes, log)
	ext := &Extension{
		log:          log,
		client:       client,
		buf:          buf,
		fl:           flusher.New(buf, sink.NewClient(cfg, log), log),
		lastActivity: time.Now(),
	}
	ext.rcv = receiver.New(buf, log, ext.onRuntimeDone, o.listenAddr)

	// background shipments get their own lifetime: they must survive the
	// event loop into the shutdown await, and the receiver may trigger one
	// before the loop starts
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	ext.bgCtx = bgCtx

	if err := ext.init(ctx); err != nil {
		if _, reportErr := client.InitError(ctx, "Extension.Init", err); reportErr != nil {
			log.Error(reportErr, "could not report init error")
		}

		return err
	}

	return ext.run(ctx)
}

func (ext *Extension) init(ctx context.Context) error {
	if err := ext.rcv.Start(); err != nil {
		return err
	}

	subCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	req := extapi.NewTelemetrySubscribeRequest(
		ext.rcv.URL(),
		[]extapi.TelemetrySubscriptionType{
			extapi.TelemetrySubscriptionTypePlatform,
			extapi.TelemetrySubscriptionTypeFunction,
			extapi.TelemetrySubscriptionTypeExtension,
		},
		&extapi.TelemetryBufferingCfg{
			MaxItems:  subscribeMaxItems,
			MaxBytes:  subscribeMaxBytes,
			TimeoutMS: subscribeTimeoutMS,
		},
	)
	if err := ext.client.TelemetrySubscribe(subCtx, req); err != nil {
		if shutErr := ext.rcv.Shutdown(subCtx); shutErr != nil {
			ext.log.Error(shutErr, "could not stop telemetry receiver")
		}

		return fmt.Errorf("could not subscribe to Telemetry API: %w", err)
	}
	ext.log.V(1).Info("subscribed to Telemetry API", "destination", ext.rcv.URL())

	return nil
}

func (ext *Extension) run(ctx context.Context) error {
	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	var shutdownEvent *extapi.NextEventResponse
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		event, err := ext.eventLoop(gctx)
		shutdownEvent = event
		loopCancel()

		return err
	})
	g.Go(func() error {
		ext.idleLoop(gctx)

		return nil
	})
	g.Go(func() error {
		select {
		case err := <-ext.rcv.Err():
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		exitCtx, exitCancel := context.WithTimeout(context.Background(), registerTimeout)
		if _, reportErr := ext.client.ExitError(exitCtx, "Extension.Exit", err); reportErr != nil {
			ext.log.Error(reportErr, "could not report exit error")
		}
		exitCancel()
	}

	ext.shutdown(shutdownEvent)

	// external cancellation is an orderly stop, not a failure
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	return err
}

// eventLoop long polls event/next until a SHUTDOWN event or an error.
// NextEvent runs in a separate goroutine as it can block for a long time
// inside a frozen execution environment.
func (ext *Extension) eventLoop(ctx context.Context) (*extapi.NextEventResponse, error) {
	nextEventCh := make(chan *extapi.NextEventResponse)
	nextEventErrCh := make(chan error)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		// low-frequency invocations flush synchronously while the runtime is
		// not waiting on us: right before parking in the long poll
		if ext.shouldBlockingDrain() {
			if err := ext.fl.BlockingDrain(ctx); err != nil {
				ext.log.V(1).Info("pre-poll drain failed", "err", err.Error())
			}
		}

		go func() {
			event, err := ext.client.NextEvent(ctx)
			if err != nil {
				select {
				case nextEventErrCh <- err:
				case <-ctx.Done():
				}

				return
			}
			select {
			case nextEventCh <- event:
			case <-ctx.Done():
			}
		}()

		select {
		case event := <-nextEventCh:
			if event.EventType == extapi.Shutdown {
				ext.log.Info("shutdown event received", "reason", event.ShutdownReason, "deadlineMs", event.DeadlineMs)

				return event, nil
			}
			ext.handleInvoke(event)
		case err := <-nextEventErrCh:
			return nil, fmt.Errorf("event/next failed: %w", err)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (ext *Extension) handleInvoke(event *extapi.NextEventResponse) {
	now := time.Now()

	ext.mu.Lock()
	if ext.haveInvoke {
		interval := now.Sub(ext.lastActivity)
		if ext.haveEWMA {
			ext.ewma = time.Duration(ewmaAlpha*float64(interval) + (1-ewmaAlpha)*float64(ext.ewma))
		} else {
			ext.ewma = interval
			ext.haveEWMA = true
		}
	}
	ext.lastActivity = now
	ext.haveInvoke = true
	ext.requestID = event.RequestID
	ext.backgroundMode = ext.haveEWMA && ext.ewma < backgroundThreshold
	mode := ext.backgroundMode
	avg := ext.ewma
	ext.mu.Unlock()

	ext.log.V(1).Info(
		"invoke event",
		"requestID", event.RequestID,
		"deadline", time.UnixMilli(event.DeadlineMs).UTC().Format(time.RFC3339Nano),
		"meanInterval", avg.String(),
		"backgroundFlush", mode,
	)
}

// shouldBlockingDrain applies the low-frequency half of the adaptive policy.
func (ext *Extension) shouldBlockingDrain() bool {
	ext.mu.Lock()
	drain := ext.haveInvoke && !ext.backgroundMode
	ext.mu.Unlock()

	return drain && !ext.buf.IsEmpty()
}

// onRuntimeDone fires on every platform.runtimeDone observed by the receiver:
// the function response is out, so shipping now cannot add invocation latency.
func (ext *Extension) onRuntimeDone(record telemetry.RuntimeDoneRecord) {
	ext.mu.Lock()
	mode := ext.backgroundMode
	current := ext.requestID
	ext.mu.Unlock()
	if !mode {
		return
	}

	if record.RequestID != current {
		// telemetry can trail the invocation it describes
		ext.log.V(1).Info("runtimeDone for an earlier invocation", "requestID", record.RequestID, "currentRequestID", current)
	}
	ext.log.V(1).Info("post-response flush", "requestID", record.RequestID, "status", record.Status)
	ext.fl.BackgroundDrain(ext.bgCtx)
}

// idleLoop performs the periodic flush for quiet environments.
func (ext *Extension) idleLoop(ctx context.Context) {
	t := time.NewTicker(idleTick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ext.mu.Lock()
			idle := time.Since(ext.lastActivity) > idleFlushAfter
			ext.mu.Unlock()
			if idle && !ext.buf.IsEmpty() {
				ext.log.V(1).Info("idle flush")
				ext.fl.BackgroundDrain(ext.bgCtx)
			}
		}
	}
}

// shutdown runs the final drain: stop buffering new telemetry, one blocking
// drain, await in-flight shipments to the deadline, stop the receiver.
func (ext *Extension) shutdown(event *extapi.NextEventResponse) {
	deadline := time.Now().Add(defaultShutdownDrain)
	if event != nil {
		deadline = time.UnixMilli(event.DeadlineMs).Add(-shutdownMargin)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	ext.rcv.Discard()

	if err := ext.fl.BlockingDrain(ctx); err != nil {
		ext.log.Error(err, "final drain failed")
	}
	completed, abandoned := ext.fl.AwaitAll(ctx)
	if abandoned > 0 {
		ext.log.Info("shutdown deadline reached with shipments in flight", "completed", completed, "abandoned", abandoned)
	}

	if err := ext.rcv.Shutdown(ctx); err != nil {
		ext.log.Error(err, "could not gracefully stop telemetry receiver")
	}

	ext.log.Info(
		"extension stopped",
		"shippedRecords", ext.fl.ShippedRecords(),
		"droppedBatches", ext.fl.DroppedBatches(),
		"abandonedShipments", ext.fl.Abandoned(),
		"overflowDroppedGroups", ext.buf.Dropped(),
		"timeParseFailures", ext.rcv.TimeFailures(),
		"lambdaDroppedRecords", ext.rcv.LambdaDropped(),
	)
}
