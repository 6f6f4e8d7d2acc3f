// Package config loads the extension configuration from O2_* environment
// variables. Environment variables are the entire configuration surface.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvOrganizationID      = "O2_ORGANIZATION_ID"
	EnvAuthorizationHeader = "O2_AUTHORIZATION_HEADER"
	EnvEndpoint            = "O2_ENDPOINT"
	EnvStream              = "O2_STREAM"
	EnvMaxBufferSizeMB     = "O2_MAX_BUFFER_SIZE_MB"
	EnvRequestTimeoutMS    = "O2_REQUEST_TIMEOUT_MS"
	EnvMaxRetries          = "O2_MAX_RETRIES"
	EnvInitialRetryDelayMS = "O2_INITIAL_RETRY_DELAY_MS"
	EnvMaxRetryDelayMS     = "O2_MAX_RETRY_DELAY_MS"
)

const (
	defaultEndpoint          = "https://api.openobserve.ai"
	defaultStream            = "default"
	defaultMaxBufferSizeMB   = 10
	defaultRequestTimeout    = 30 * time.Second
	defaultMaxRetries        = 3
	defaultInitialRetryDelay = time.Second
	defaultMaxRetryDelay     = 30 * time.Second
)

// Validation failure categories.
var (
	ErrMissingRequired = errors.New("missing required environment variable")
	ErrInvalidURL      = errors.New("invalid url")
	ErrInvalidNumber   = errors.New("invalid number")
)

// VarError is a validation error for a single environment variable.
type VarError struct {
	Var    string
	Err    error
	Detail string
}

func (e *VarError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Var, e.Err)
	}

	return fmt.Sprintf("%s: %s: %s", e.Var, e.Err, e.Detail)
}

func (e *VarError) Unwrap() error {
	return e.Err
}

// Secret holds a credential. All formatting paths render a placeholder so the
// value cannot reach logs, error text, or marshaled diagnostics. The raw value
// is reachable only through Reveal.
type Secret string

const redacted = "[redacted]"

func (Secret) String() string { return redacted }

func (Secret) GoString() string { return redacted }

func (Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, redacted)
}

func (Secret) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(redacted)), nil
}

// Reveal returns the underlying credential. Call it only at the point the
// Authorization header is set.
func (s Secret) Reveal() string { return string(s) }

// Config is process-wide, loaded once at startup and read-only thereafter.
type Config struct {
	OrganizationID    string
	Authorization     Secret
	Endpoint          string
	Stream            string
	MaxBufferBytes    int
	RequestTimeout    time.Duration
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// IngestURL derives the OpenObserve JSON ingest endpoint for the configured
// organization and stream.
func (c *Config) IngestURL() string {
	return fmt.Sprintf("%s/api/%s/%s/_json", strings.TrimSuffix(c.Endpoint, "/"), c.OrganizationID, c.Stream)
}

// Load reads and validates the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Endpoint:          defaultEndpoint,
		Stream:            defaultStream,
		MaxBufferBytes:    defaultMaxBufferSizeMB << 20,
		RequestTimeout:    defaultRequestTimeout,
		MaxRetries:        defaultMaxRetries,
		InitialRetryDelay: defaultInitialRetryDelay,
		MaxRetryDelay:     defaultMaxRetryDelay,
	}

	cfg.OrganizationID = os.Getenv(EnvOrganizationID)
	if cfg.OrganizationID == "" {
		return nil, &VarError{Var: EnvOrganizationID, Err: ErrMissingRequired}
	}
	auth := os.Getenv(EnvAuthorizationHeader)
	if auth == "" {
		return nil, &VarError{Var: EnvAuthorizationHeader, Err: ErrMissingRequired}
	}
	cfg.Authorization = Secret(auth)

	if v := os.Getenv(EnvEndpoint); v != "" {
		u, err := url.Parse(v)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &VarError{Var: EnvEndpoint, Err: ErrInvalidURL, Detail: v}
		}
		cfg.Endpoint = v
	}
	if v := os.Getenv(EnvStream); v != "" {
		cfg.Stream = v
	}

	if v := os.Getenv(EnvMaxBufferSizeMB); v != "" {
		mb, err := parsePositiveInt(v)
		if err != nil {
			return nil, &VarError{Var: EnvMaxBufferSizeMB, Err: ErrInvalidNumber, Detail: v}
		}
		cfg.MaxBufferBytes = mb << 20
	}
	if v := os.Getenv(EnvRequestTimeoutMS); v != "" {
		d, err := parsePositiveMS(v)
		if err != nil {
			return nil, &VarError{Var: EnvRequestTimeoutMS, Err: ErrInvalidNumber, Detail: v}
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return nil, &VarError{Var: EnvMaxRetries, Err: ErrInvalidNumber, Detail: v}
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv(EnvInitialRetryDelayMS); v != "" {
		d, err := parsePositiveMS(v)
		if err != nil {
			return nil, &VarError{Var: EnvInitialRetryDelayMS, Err: ErrInvalidNumber, Detail: v}
		}
		cfg.InitialRetryDelay = d
	}
	if v := os.Getenv(EnvMaxRetryDelayMS); v != "" {
		d, err := parsePositiveMS(v)
		if err != nil {
			return nil, &VarError{Var: EnvMaxRetryDelayMS, Err: ErrInvalidNumber, Detail: v}
		}
		cfg.MaxRetryDelay = d
	}

	return cfg, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}

	return n, nil
}

func parsePositiveMS(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}

	return time.Duration(n) * time.Millisecond, nil
}
