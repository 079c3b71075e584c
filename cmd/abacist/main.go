package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/wikimedia/analytics-abacist/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "abacist: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitRuntimeError
	}
	return exitSuccess
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "abacist",
		Short: "Rolling page view counters for EventLogging feeds",
		Long: `abacist subscribes to an EventLogging publisher and keeps hourly, daily,
monthly, yearly and lifetime page view counters in Redis hashes.

Environment Variables:
  FEED_ENDPOINT              Publisher endpoint: tcp://, ipc://, redis://host/channel
                             or kafka://brokers/topic (required)
  FEED_GROUP_ID              Kafka consumer group (default: "abacist")
  EVENT_SCHEMA               Schema to count (default: "WikimediaBlogVisit")
  WEB_HOST                   Web host to count (default: "blog.wikimedia.org")
  KEY_NAMESPACE              Prefix for every counter key (default: none)

  REDIS_ADDR                 Counter store address (default: "localhost:6379")
  REDIS_PASSWORD             Counter store password
  REDIS_DB                   Counter store database (default: "0")
  STORE_OP_TIMEOUT           Per-batch timeout (default: "5s")
  STORE_MAX_ATTEMPTS         Submissions per event before giving up (default: "4")

  EVENTBUS_BUFFER_SIZE       Events buffered between feed and updater (default: "100")
  EVENTBUS_EMIT_TIMEOUT      Drop events that wait longer for buffer space; 0 blocks
                             the feed instead (default: "0")
  DRAIN_TIMEOUT              Time to flush buffered events on shutdown (default: "30s")
  CIRCUIT_BREAKER_THRESHOLD  Failed events before pausing; 0 exits instead (default: "5")
  CIRCUIT_BREAKER_COOLDOWN   Pause before probing the store again (default: "2m")

  METRICS_ENABLED            Serve Prometheus metrics and /health (default: "false")
  METRICS_PORT               Metrics server port (default: "9090")
  METRICS_PATH               Metrics endpoint path (default: "/metrics")
  HTTP_SHUTDOWN_TIMEOUT      Graceful metrics server shutdown (default: "10s")

  LOG_LEVEL                  debug, info, warn or error (default: "info")
  LOG_FORMAT                 json, console or auto (default: "auto")
  ABACIST_ENV_FILE           Optional KEY=value file read first (default: ".env")`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newValidateCmd(stdout),
		newConfigCmd(stdout),
		newVersionCmd(stdout),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var redisServer string
	cmd := &cobra.Command{
		Use:   "serve [publisher]",
		Short: "Subscribe to the publisher and update counters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if len(args) == 1 {
				cfg.FeedEndpoint = args[0]
			}
			if redisServer != "" {
				cfg.RedisAddr = withDefaultPort(redisServer, "6379")
			}
			if err := config.Validate(cfg); err != nil {
				return &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
			}
			if code := runServe(cmd.Context(), cfg); code != exitSuccess {
				return &exitError{code: code, err: errors.New("stopped with errors")}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&redisServer, "redis-server", "", "counter store host[:port] (overrides REDIS_ADDR)")
	return cmd
}

func newValidateCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := config.Validate(cfg); err != nil {
				return &exitError{code: exitInvalidConfig, err: err}
			}
			fmt.Fprintln(stdout, "configuration valid")
			return nil
		},
	}
}

func newConfigCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Load().MaskedJSON()
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintln(stdout, string(data))
			return nil
		},
	}
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "abacist version %s (commit: %s)\n", version, commit)
		},
	}
}

// withDefaultPort appends port to host if it has none.
func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
