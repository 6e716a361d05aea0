package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ais-virtualnet/backend/internal/aisdecode"
	"github.com/ais-virtualnet/backend/internal/api"
	"github.com/ais-virtualnet/backend/internal/auth"
	"github.com/ais-virtualnet/backend/internal/broker"
	"github.com/ais-virtualnet/backend/internal/config"
	"github.com/ais-virtualnet/backend/internal/feed"
	"github.com/ais-virtualnet/backend/internal/logging"
	"github.com/ais-virtualnet/backend/internal/metrics"
	"github.com/ais-virtualnet/backend/internal/periodic"
	"github.com/ais-virtualnet/backend/internal/presence"
	"github.com/ais-virtualnet/backend/internal/relay"
	"github.com/ais-virtualnet/backend/internal/web"
)

const defaultConfigName = "aisvnet.config.xml"

type serveFlags struct {
	configPath string
	usersFile  string
}

func newServeCommand() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, the REST endpoints and the backing feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.configPath == "" {
				path, err := defaultConfigPath()
				if err != nil {
					return err
				}
				flags.configPath = path
			}
			return runServe(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "",
		"path to the XML configuration (default: "+defaultConfigName+" next to the executable)")
	cmd.Flags().StringVar(&flags.usersFile, "users", "", "users file, overrides Auth.UsersFile")
	return cmd
}

// defaultConfigPath resolves the config next to the executable.
func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(exePath), defaultConfigName), nil
}

// server holds the wired components of one serve run.
type server struct {
	cfg      *config.AppConfig
	log      *zap.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	auth     *auth.Authenticator
	broker   *broker.Broker
	presence *presence.Table
	relay    *relay.Relay
	source   feed.Source
	sink     *feed.TCPSink

	http *http.Server
}

func runServe(ctx context.Context, flags serveFlags) error {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.usersFile != "" {
		cfg.Auth.UsersFile = flags.usersFile
	}

	log, err := logging.New(cfg.Advanced.LogLevel, cfg.Advanced.DevelopmentLogging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	s, err := newServer(cfg, log)
	if err != nil {
		log.Error("Startup failed", zap.Error(err))
		return err
	}
	log.Info("AIS virtual network server starting",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("config", flags.configPath),
		zap.String("listen", cfg.GetServerAddr()),
		zap.String("users", cfg.Auth.UsersFile))
	return s.run(ctx)
}

func newServer(cfg *config.AppConfig, log *zap.Logger) (*server, error) {
	s := &server{cfg: cfg, log: log}

	if cfg.Advanced.EnableMetrics {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = metrics.New(s.registry)
	}

	users, err := auth.LoadCredentials(cfg.Auth.UsersFile, log)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		log.Warn("No users configured, every authentication will fail", zap.String("file", cfg.Auth.UsersFile))
	}
	s.auth = auth.New(users, log, auth.WithTokenTTL(cfg.TokenTTL()))
	s.broker = broker.New(log, broker.WithActivationWindow(cfg.ActivationWindow()))
	s.presence = presence.NewTable(presence.WithTTL(cfg.PresenceTTL()))

	relayOpts := []relay.Option{
		relay.WithQueueSize(cfg.Relay.QueueSize),
		relay.WithOverflowTimeout(cfg.OverflowTimeout()),
		relay.WithSubmitLimit(cfg.Relay.SubmitRatePerSecond, cfg.Relay.SubmitBurst),
		relay.WithMetrics(s.metrics),
	}
	if cfg.Feed.UpstreamAddress != "" {
		s.sink = feed.NewTCPSink(cfg.Feed.UpstreamAddress, cfg.Feed.UpstreamQueueSize, s.metrics, log)
		relayOpts = append(relayOpts, relay.WithSink(s.sink))
	}
	s.relay = relay.New(s.presence, s.auth, s.broker, aisdecode.Decode, log, relayOpts...)

	if cfg.Feed.SourceType != "" {
		s.source, err = feed.NewRegistry().Build(feed.SourceConfig{
			Type:    cfg.Feed.SourceType,
			Address: cfg.Feed.Address,
			Path:    cfg.Feed.File,
			Repeat:  cfg.Feed.Repeat,
			Delay:   cfg.LineDelay(),
		}, s.metrics, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create feed source: %w", err)
		}
	} else {
		log.Info("No backing feed configured, relaying client traffic only")
	}

	e, err := s.newEcho()
	if err != nil {
		return nil, err
	}
	s.http = &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      e,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return s, nil
}

func (s *server) newEcho() (*echo.Echo, error) {
	e := echo.New()
	api.SetupMiddleware(e, api.MiddlewareOptions{
		EnableCORS:     s.cfg.Server.EnableCORS,
		AllowOrigins:   s.cfg.Server.AllowOrigins,
		RequestLogging: s.cfg.Advanced.EnableRequestLogging,
		ShowDetails:    s.cfg.Advanced.DevelopmentLogging,
		Log:            s.log,
	})

	deps := &api.Dependencies{
		Auth:            s.auth,
		Broker:          s.broker,
		Targets:         s.presence,
		Relay:           s.relay,
		Metrics:         s.metrics,
		MetricsRegistry: s.registry,
		Version:         Version,
		AdminToken:      s.cfg.Auth.AdminToken,
		MaxMessageSize:  s.cfg.MaxMessageSize(),
		WriteTimeout:    time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
		Log:             s.log,
	}
	api.RegisterRoutes(e, api.NewHandlers(deps), deps)

	if web.HasEmbeddedFiles() {
		if err := web.RegisterStaticRoutes(e); err != nil {
			return nil, fmt.Errorf("failed to register static routes: %w", err)
		}
	}
	return e, nil
}

// startTasks launches the housekeeping tasks. The returned func stops them.
func (s *server) startTasks() func() {
	sweepEvery := s.cfg.SweepInterval()
	purgeEvery := s.cfg.BrokerPurgeInterval()

	runners := []*periodic.Runner{
		periodic.Start(periodic.Func("presence_sweep", func(context.Context) {
			if n := s.presence.Sweep(); n > 0 {
				s.log.Debug("Swept stale targets", zap.Int("removed", n))
			}
			s.metrics.SetPresenceEntries(s.presence.Len())
		}), periodic.NewTicker(sweepEvery), sweepEvery, s.log),

		periodic.Start(periodic.Func("token_purge", func(context.Context) {
			if n := s.auth.Purge(); n > 0 {
				s.log.Debug("Purged expired tokens", zap.Int("removed", n))
			}
		}), periodic.NewTicker(sweepEvery), sweepEvery, s.log),

		periodic.Start(periodic.Func("reservation_purge", func(context.Context) {
			if n := s.broker.Purge(); n > 0 {
				s.log.Debug("Purged lapsed reservations", zap.Int("removed", n))
			}
		}), periodic.NewTicker(purgeEvery), purgeEvery, s.log),

		periodic.Start(periodic.Func("message_rate", func(context.Context) {
			s.relay.SampleRate()
		}), periodic.NewTicker(time.Second), time.Second, s.log),
	}

	return func() {
		for _, r := range runners {
			r.Stop()
		}
	}
}

// run serves until ctx is cancelled or a component fails, then shuts down:
// periodic tasks first, then the listener, then the sessions.
func (s *server) run(ctx context.Context) error {
	stopTasks := s.startTasks()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("Listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.source != nil {
		f := feed.New(s.source, s.relay, s.metrics, s.log)
		g.Go(func() error {
			if err := f.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("feed %s: %w", s.source.Name(), err)
			}
			s.log.Info("Feed finished", zap.String("source", s.source.Name()))
			return nil
		})
	}
	if s.sink != nil {
		g.Go(func() error {
			return s.sink.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down")
		stopTasks()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()
		var errs []error
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
		}
		if err := s.relay.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
