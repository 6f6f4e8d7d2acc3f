package extension

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/openobserve/openobserve-lambda-extension/internal/config"
	"github.com/openobserve/openobserve-lambda-extension/internal/sink"
)

// HealthCheck ships one synthetic record to the configured sink and reports
// the outcome on out. It never touches the Lambda control plane.
func HealthCheck(ctx context.Context, cfg *config.Config, log logr.Logger, out io.Writer) error {
	client := sink.NewClient(cfg, log)
	if err := client.HealthCheck(ctx); err != nil {
		fmt.Fprintf(out, "health check failed: %v\n", err)

		return err
	}
	fmt.Fprintf(out, "health check ok: %s is reachable\n", cfg.IngestURL())

	return nil
}
