// Command kgroupd joins a consumer group, logs the partitions it is assigned,
// and serves group metrics until interrupted, at which point it leaves the
// group.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kzap"
	"github.com/twmb/franz-go/plugin/kzerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/twmb/franz-go/pkg/kgroup"
	"github.com/twmb/franz-go/pkg/kgroup/plugin/kglogrus"
	"github.com/twmb/franz-go/pkg/kgroup/plugin/kgprom"
	"github.com/twmb/franz-go/pkg/kgroup/plugin/kgvictoria"
)

var (
	configPath  = flag.String("config", "", "path to a YAML configuration file")
	seedBrokers = flag.String("brokers", "", "comma delimited list of seed brokers, overriding the config file")
	group       = flag.String("group", "", "group to join, overriding the config file")
	topics      = flag.String("topics", "", "comma delimited topics to subscribe to, overriding the config file")
	listen      = flag.String("listen", "", "address to serve metrics on, overriding the config file")
)

func die(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, msg, args...)
	fmt.Fprintln(os.Stderr)
	os.Exit(1)
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		die("%v", err)
	}
	applyFlags(&cfg)
	if err := cfg.validate(); err != nil {
		die("invalid config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		die("unable to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Log(kgo.LogLevelError, "kgroupd exiting", "err", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config) {
	if *seedBrokers != "" {
		cfg.Brokers = strings.Split(*seedBrokers, ",")
	}
	if *group != "" {
		cfg.Group = *group
	}
	if *topics != "" {
		cfg.Topics = strings.Split(*topics, ",")
	}
	if *listen != "" {
		cfg.Metrics.Listen = *listen
	}
}

func newLogger(cfg logConfig) (kgo.Logger, error) {
	switch cfg.Format {
	case "text", "json":
		lr := logrus.New()
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		lr.SetLevel(level)
		if cfg.Format == "json" {
			lr.SetFormatter(new(logrus.JSONFormatter))
		}
		return kglogrus.New(lr), nil

	case "zap":
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		al := zap.NewAtomicLevelAt(level)
		zcfg := zap.NewProductionConfig()
		zcfg.Level = al
		zl, err := zcfg.Build()
		if err != nil {
			return nil, err
		}
		return kzap.New(zl, kzap.LevelFn(atomicLevel(al))), nil

	case "zerolog":
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		return kzerolog.New(&zl), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}

// atomicLevel reports al's current level, so that changing the zap level at
// runtime also changes what the client bothers to format.
func atomicLevel(al zap.AtomicLevel) func() kgo.LogLevel {
	return func() kgo.LogLevel {
		switch lvl := al.Level(); {
		case lvl <= zapcore.DebugLevel:
			return kgo.LogLevelDebug
		case lvl == zapcore.InfoLevel:
			return kgo.LogLevelInfo
		case lvl == zapcore.WarnLevel:
			return kgo.LogLevelWarn
		default:
			return kgo.LogLevelError
		}
	}
}

// newMetrics returns the group hooks and the handler serving them.
func newMetrics(cfg metricsConfig) (kgroup.Hook, http.Handler, func()) {
	if cfg.Backend == "victoria" {
		m := kgvictoria.NewMetrics(cfg.Namespace)
		return m, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			m.WritePrometheus(w)
		}), m.Unregister
	}
	m := kgprom.NewMetrics(cfg.Namespace, kgprom.GoCollectors())
	return m, m.Handler(), func() {}
}

func run(ctx context.Context, cfg config, logger kgo.Logger) error {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithLogger(logger),
	}
	versions, err := cfg.maxVersions()
	if err != nil {
		return err
	}
	if versions != nil {
		kopts = append(kopts, kgo.MaxVersions(versions))
	}
	kcl, err := kgo.NewClient(kopts...)
	if err != nil {
		return fmt.Errorf("unable to create kafka client: %w", err)
	}
	defer kcl.Close()

	transport := kgroup.NewKgoTransport(kcl)
	defer transport.Close()

	hook, handler, unregister := newMetrics(cfg.Metrics)
	defer unregister()
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, handler, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	subs := kgroup.NewSubscriptions()
	subs.Subscribe(cfg.Topics, assignmentLogger(cfg.Group, logger))

	opts, err := cfg.groupOpts()
	if err != nil {
		return err
	}
	opts = append(opts,
		kgroup.WithLogger(logger),
		kgroup.WithHooks(hook),
		kgroup.Metadata(kgroup.NewAdmMetadata(kadm.NewClient(kcl))),
	)
	cl, err := kgroup.NewClient(cfg.Group, transport, subs, opts...)
	if err != nil {
		return err
	}

	err = pollLoop(ctx, cl)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cl.Close(closeCtx)
	return err
}

// pollLoop polls the group until ctx is canceled, returning nil on a clean
// shutdown and the first fatal group error otherwise.
func pollLoop(ctx context.Context, cl *kgroup.Client) error {
	for {
		err := cl.Poll(ctx, time.Second)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, kgroup.ErrClientClosed):
			return nil
		case err != nil:
			return err
		}
	}
}

func assignmentLogger(group string, logger kgo.Logger) kgroup.RebalanceListener {
	return kgroup.ListenerFuncs{
		Revoked: func(_ context.Context, revoked map[string][]int32) {
			logger.Log(kgo.LogLevelInfo, "partitions revoked", "group", group, "revoked", revoked)
		},
		Assigned: func(_ context.Context, assigned map[string][]int32) {
			logger.Log(kgo.LogLevelInfo, "partitions assigned", "group", group, "assigned", assigned)
		},
	}
}

func serveMetrics(addr string, handler http.Handler, logger kgo.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log(kgo.LogLevelError, "metrics server failed", "addr", addr, "err", err)
		}
	}()
	logger.Log(kgo.LogLevelInfo, "serving metrics", "addr", addr)
	return srv
}
