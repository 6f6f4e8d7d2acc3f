// The openobserve-extension binary is an AWS Lambda external extension that
// ships the Lambda Telemetry stream to an OpenObserve ingestion endpoint. As
// a packaged layer it lives at /opt/extensions/ and its basename is the
// extension name presented to the Extensions API.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/stdr"
	"github.com/spf13/pflag"

	"github.com/openobserve/openobserve-lambda-extension/internal/config"
	"github.com/openobserve/openobserve-lambda-extension/internal/extension"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	const progName = "openobserve-extension"
	flags := pflag.NewFlagSet(progName, pflag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	healthCheck := flags.BoolP("health-check", "h", false, "send a single test record to the sink and exit")
	showVersion := flags.Bool("version", false, "print the version and exit")
	showHelp := flags.Bool("help", false, "print usage and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nFlags:\n%s", progName, flags.FlagUsages())
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if *showHelp {
		flags.Usage()

		return 0
	}
	if *showVersion {
		fmt.Printf("%s %s\n", progName, version)

		return 0
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flags.Args())
		flags.Usage()

		return 2
	}

	log := stdr.New(stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)

		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *healthCheck {
		if err := extension.HealthCheck(ctx, cfg, log, os.Stdout); err != nil {
			return 1
		}

		return 0
	}

	if err := extension.Run(ctx, cfg, log); err != nil {
		log.Error(err, "extension failed")

		return 1
	}

	return 0
}
