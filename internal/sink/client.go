// Package sink ships telemetry batches to the OpenObserve JSON ingest
// endpoint with bounded retries and exponential backoff.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/openobserve/openobserve-lambda-extension/internal/config"
	"github.com/openobserve/openobserve-lambda-extension/internal/telemetry"
)

// bodyExcerptLimit caps how much of an error response body is carried in errors.
const bodyExcerptLimit = 256

// PermanentError is a non-retryable sink response: the request is malformed or
// the credentials are rejected, so further attempts cannot help.
type PermanentError struct {
	StatusCode  int
	BodyExcerpt string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("sink rejected batch with status %d: %s", e.StatusCode, e.BodyExcerpt)
}

// Client POSTs JSON batches to the ingest URL. It is stateless apart from the
// underlying connection pool and safe for concurrent use.
type Client struct {
	httpClient *http.Client
	cfg        *config.Config
	ingestURL  string
	log        logr.Logger
}

func NewClient(cfg *config.Config, log logr.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		ingestURL:  cfg.IngestURL(),
		log:        log,
	}
}

// Send ships one batch. Attempt 1 is immediate; each failure waits the retry
// delay, doubling up to the cap, for at most MaxRetries+1 total attempts.
// Transient failures are connection errors, timeouts and HTTP 408, 429, 500,
// 502, 503 and 504; any other non-2xx status terminates immediately with
// *PermanentError. Cancellation mid-backoff abandons the batch.
func (c *Client) Send(ctx context.Context, records []telemetry.Record) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("could not json encode telemetry batch: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialRetryDelay
	bo.MaxInterval = c.cfg.MaxRetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := c.attempt(ctx, body)
		if err == nil {
			return nil
		}
		permanent := &PermanentError{}
		if errors.As(err, &permanent) {
			return backoff.Permanent(err)
		}
		c.log.Info("transient sink error, will retry", "attempt", attempt, "err", err.Error())

		return err
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))
	switch {
	case err == nil:
		c.log.V(1).Info("batch shipped", "records", len(records), "attempts", attempt)

		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("sending canceled: %w", err)
	default:
		permanent := &PermanentError{}
		if errors.As(err, &permanent) {
			return err
		}

		return fmt.Errorf("sink retries exhausted after %d attempts: %w", attempt, err)
	}
}

func (c *Client) attempt(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create sink http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.Authorization.Reveal())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sink http request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if retryableStatus(resp.StatusCode) {
		return fmt.Errorf("sink returned retryable status %s", resp.Status)
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit))

	return &PermanentError{
		StatusCode:  resp.StatusCode,
		BodyExcerpt: string(excerpt),
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// HealthCheck ships a single synthetic extension record to verify the sink is
// reachable with the configured credentials.
func (c *Client) HealthCheck(ctx context.Context) error {
	now := time.Now().UTC()
	record, _ := telemetry.NewRecord(telemetry.Event{
		Time:      now.Format(time.RFC3339Nano),
		Type:      telemetry.TypeExtension,
		Record:    json.RawMessage(strconv.Quote("openobserve extension health check")),
		RequestID: uuid.NewString(),
	}, now)

	return c.Send(ctx, []telemetry.Record{record})
}
