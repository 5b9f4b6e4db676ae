// Command relay listens for GELF datagrams and posts each message as a JSON
// document to an Elasticsearch-compatible backend.
//
// Usage:
//
//	relay [flags] [backend-url]
//
// Every flag has an environment variable equivalent; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"gelfrelay/internal/config"
	"gelfrelay/internal/core"
	"gelfrelay/internal/delivery"
	"gelfrelay/internal/gelf"
	"gelfrelay/internal/listener"
	"gelfrelay/internal/session"
	"gelfrelay/internal/transform"
	"gelfrelay/internal/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run(args []string) error {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flags := config.NewFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relay [flags] [backend-url]\n\nA GELF relay to an Elasticsearch-compatible backend.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.ShowVersion() {
		fmt.Printf("relay %s\n", config.NewBuildInfo())
		return nil
	}

	provider := config.NewSecretProvider(os.Getenv("APP_ENV"), os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider, flags)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info("starting GELF relay",
		"backend", cfg.Backend.URL,
		"index", cfg.Backend.Index,
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := loadAWSClients(ctx, cfg)
	if err != nil {
		return err
	}

	r := newRelay(cfg, &slogAdapter{logger: logger}, clients)
	if err := r.run(ctx); err != nil {
		return err
	}
	logger.Info("relay stopped cleanly")
	return nil
}

// awsClients holds the optional AWS-backed collaborators. A nil field
// disables the component.
type awsClients struct {
	cloudwatch delivery.CloudWatchClient
	sqs        delivery.SQSSender
}

func loadAWSClients(ctx context.Context, cfg *config.Config) (awsClients, error) {
	var clients awsClients
	if !cfg.NeedsAWS() {
		return clients, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return clients, fmt.Errorf("loading AWS SDK config: %w", err)
	}

	endpoint := cfg.AWS.EndpointURL
	if cfg.Observability.MetricsEnabled {
		clients.cloudwatch = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	if cfg.AWS.DropQueueURL != "" {
		clients.sqs = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	return clients, nil
}

// relay is the assembled process: one listener feeding one delivery engine,
// plus the optional ops server and metrics flusher.
type relay struct {
	cfg      *config.Config
	logger   types.Logger
	sessions *session.Manager
	engine   *delivery.Engine
	listener *listener.Listener
	ops      *core.Server
	metrics  *delivery.CloudWatchMetrics
}

func newRelay(cfg *config.Config, logger types.Logger, clients awsClients) *relay {
	r := &relay{
		cfg:      cfg,
		logger:   logger,
		sessions: session.NewManager(cfg.Backend.MaxConns),
	}

	var metrics delivery.Metrics = delivery.NopMetrics{}
	if clients.cloudwatch != nil {
		r.metrics = delivery.NewCloudWatchMetrics(clients.cloudwatch, cfg.Observability.MetricNamespace, logger)
		metrics = r.metrics
	}

	engineOpts := []delivery.Option{delivery.WithMetrics(metrics)}
	if clients.sqs != nil {
		engineOpts = append(engineOpts, delivery.WithDropSinks(
			delivery.NewSQSDropSink(clients.sqs, cfg.AWS.DropQueueURL, logger),
		))
	}

	r.engine = delivery.NewEngine(delivery.Config{
		Target: delivery.Target{
			BaseURL:  cfg.Backend.URL,
			Index:    cfg.Backend.Index,
			DocType:  cfg.Backend.DocType,
			Username: cfg.Backend.Username,
			Password: cfg.Backend.Password,
		},
		Retry: delivery.RetryPolicy{
			MaxAttempts:   cfg.Delivery.MaxAttempts,
			BackoffWindow: cfg.Delivery.BackoffWindow,
		},
		RequestTimeout: cfg.Delivery.RequestTimeout,
		Breaker: delivery.BreakerSettings{
			Failures: cfg.Delivery.BreakerFailures,
			Cooldown: cfg.Delivery.BreakerCooldown,
		},
		Verbose: cfg.Verbose,
	}, r.sessions, logger, engineOpts...)

	r.listener = listener.New(listener.Config{
		Addr:         net.JoinHostPort(cfg.Listener.Addr, strconv.Itoa(cfg.Listener.Port)),
		HostIdentity: cfg.Instance.ID,
		HostAddress:  cfg.Instance.IP,
		MaxInFlight:  cfg.Listener.MaxInFlight,
		DrainTimeout: cfg.Listener.DrainTimeout,
	},
		gelf.NewDecoder(gelf.WithMaxMessageBytes(int64(cfg.Listener.MaxMessageBytes))),
		transform.New(nil),
		r.engine,
		logger,
		listener.WithMetrics(metrics),
	)

	if cfg.Ops.Port != "" {
		r.ops = core.NewServer(logger, r.stats,
			core.NewProbe("listener", func(context.Context) error {
				if !r.listener.Healthy() {
					return errors.New("receive loop not running")
				}
				return nil
			}),
			core.NewProbe("backend", func(context.Context) error {
				if state := r.engine.BreakerState(); state == "open" {
					return errors.New("circuit breaker open")
				}
				return nil
			}),
		)
	}
	return r
}

// relayStats is the /stats payload.
type relayStats struct {
	Listener listener.Stats `json:"listener"`
	Delivery delivery.Stats `json:"delivery"`
	Sessions session.Stats  `json:"sessions"`
	Breaker  string         `json:"breaker"`
}

func (r *relay) stats() any {
	return relayStats{
		Listener: r.listener.Stats(),
		Delivery: r.engine.Stats(),
		Sessions: r.sessions.Stats(),
		Breaker:  r.engine.BreakerState(),
	}
}

// run binds the socket, then runs every component until ctx is cancelled or
// one of them fails. The listener drains in-flight deliveries before run
// returns. The metrics flusher outlives the drain so outcomes recorded
// during it are still published.
func (r *relay) run(ctx context.Context) error {
	if err := r.listener.Listen(); err != nil {
		return err
	}
	defer r.sessions.Reset()

	mctx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMetrics()
	metricsDone := make(chan error, 1)
	if r.metrics != nil {
		go func() {
			metricsDone <- r.metrics.Run(mctx, delivery.DefaultFlushInterval)
		}()
	} else {
		metricsDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.listener.Run(gctx)
	})
	if r.ops != nil {
		g.Go(func() error {
			return r.ops.Serve(gctx, net.JoinHostPort("", r.cfg.Ops.Port))
		})
	}

	err := g.Wait()
	stopMetrics()
	if merr := <-metricsDone; err == nil {
		err = merr
	}
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// newLogger creates a slog.Logger for the given level and format ("json" or
// "text"). Unknown levels fall back to info.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "critical":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)
