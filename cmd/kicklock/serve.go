package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Skotchmaster/kicklock/internal/admin"
	"github.com/Skotchmaster/kicklock/internal/config"
	"github.com/Skotchmaster/kicklock/internal/deploy"
	"github.com/Skotchmaster/kicklock/internal/events"
	"github.com/Skotchmaster/kicklock/internal/github"
	"github.com/Skotchmaster/kicklock/internal/gradio"
	"github.com/Skotchmaster/kicklock/internal/httpserver"
	"github.com/Skotchmaster/kicklock/internal/session"
	"github.com/Skotchmaster/kicklock/internal/tunnel"
	"github.com/Skotchmaster/kicklock/pkg/cryptobox"
	"github.com/Skotchmaster/kicklock/pkg/logging"
	"github.com/Skotchmaster/kicklock/pkg/metrics"
	"github.com/Skotchmaster/kicklock/pkg/ratelimit"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand builds the HTTP server command.
func NewServeCommand(loader *config.Loader) *cobra.Command {
	v := loader.Viper()
	var bindErr error

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the KickLock HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bindErr != nil {
				return bindErr
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("instance-id", "", "instance id used to skip our own NOTIFY events (default random)")
	flags.Duration("reconcile-interval", 5*time.Minute, "token reconciler period, 0 disables it")

	bind := func(key, name string) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			bindErr = err
		}
	}

	bind("listen_addr", "listen")
	bind("log_level", "log-level")
	bind("instance_id", "instance-id")
	bind("reconcile_interval", "reconcile-interval")

	return cmd
}

func timings(cfg config.Config) deploy.Timings {
	return deploy.Timings{
		SettleDelay:      cfg.DeploySettleDelay,
		LocateInterval:   cfg.DeployLocateInterval,
		LocateTimeout:    cfg.DeployLocateTimeout,
		PollInterval:     cfg.DeployPollInterval,
		PollTimeout:      cfg.DeployPollTimeout,
		UndeployInterval: cfg.UndeployPollInterval,
		UndeployTimeout:  cfg.UndeployPollTimeout,
		PopupCountdown:   cfg.DeployPopupCountdown,
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	logger := logging.New(cfg.LogLevel).With("service", "kicklock", "instance", cfg.InstanceID)
	ctx = logging.IntoContext(ctx, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := metrics.InitTracing("kicklock", version)
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	a.onClose(rdb.close)
	var limiter *ratelimit.Limiter
	if !rdb.embedded {
		limiter = ratelimit.New(rdb.client, "kicklock")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("kicklock", reg)

	hub := events.NewHub()
	pub := events.Multi{hub}
	if isPostgres(cfg.DatabaseURL) {
		pub = append(pub, events.BestEffort{Next: &events.PGNotifier{
			DB:       a.db,
			Channel:  cfg.PGNotifyChannel,
			Instance: cfg.InstanceID,
		}})
		listener := &events.PGListener{
			DSN:      cfg.DatabaseURL,
			Channel:  cfg.PGNotifyChannel,
			Instance: cfg.InstanceID,
			Local:    hub,
		}
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Error("pg_listener_failed", "error", err)
			}
		}()
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, logger)
		a.onClose(kp.Close)
		pub = append(pub, events.BestEffort{Next: kp})
	}
	a.invite.Events = pub

	workflows := github.NewClient(github.Config{
		APIURL:       cfg.GitHubAPIURL,
		Org:          cfg.GitHubOrg,
		Repo:         cfg.GitHubRepo,
		WorkflowFile: cfg.GitHubWorkflowFile,
		Ref:          cfg.GitHubRef,
		Token:        cfg.GitHubToken,
		Timeout:      cfg.UpstreamTimeout,
	})
	compute := gradio.NewClient(gradio.Config{
		DeployURL:   cfg.DeployAPIURL,
		StatusURL:   cfg.StatusAPIURL,
		UndeployURL: cfg.UndeployAPIURL,
		Timeout:     cfg.UpstreamTimeout,
	})
	relay := tunnel.NewClient(cfg.TunnelURLTemplate, cfg.UpstreamTimeout)

	orch := deploy.New(ctx, deploy.Options{
		Workflows:     workflows,
		Tunnel:        relay,
		Records:       a.repo,
		Events:        pub,
		Audit:         a.audit,
		Metrics:       m,
		Timings:       timings(cfg),
		LogicalSuffix: cfg.LogicalSuffix,
	})
	defer orch.Close()

	sess := &session.Service{
		Store:         a.repo,
		Tokens:        a.invite,
		Events:        pub,
		Audit:         a.audit,
		Gradio:        compute,
		Deployments:   orch,
		LogicalSuffix: cfg.LogicalSuffix,
	}
	mw := &session.Middleware{Svc: sess, Secret: []byte(cfg.SessionSecret), TTL: cfg.SessionTTL}

	adminSessions := admin.NewSessionStore(rdb.client, cfg.AdminSessionTTL)
	adminSvc := &admin.Service{Store: a.repo, Sessions: adminSessions, Invites: a.invite, Audit: a.audit}

	var box *cryptobox.Box
	if cfg.PayloadKey != "" {
		if box, err = cryptobox.New([]byte(cfg.PayloadKey), []byte(cfg.PayloadIV)); err != nil {
			return fmt.Errorf("payload key: %w", err)
		}
	} else {
		logger.Warn("payload_key_missing", "effect", "/actions answers 500")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	err = httpserver.Register(e, &httpserver.Deps{
		DB:     a.db,
		Logger: logger,

		Auth:   &httpserver.AuthHTTP{Svc: sess, MW: mw, Invites: a.invite},
		Deploy: &httpserver.DeployHTTP{Orch: orch},
		Galaxy: &httpserver.GalaxyHTTP{Compute: compute, Users: a.repo, Orch: orch, Box: box},
		Git:    &httpserver.GitHTTP{GitHub: workflows, LogicalSuffix: cfg.LogicalSuffix},
		Admin:  &httpserver.AdminHTTP{Svc: adminSvc, Invites: a.invite, Audit: a.audit},

		Sessions:      mw,
		AdminSessions: adminSessions,
		SessionEvents: &events.WSHandler{
			Hub: hub,
			Identify: func(c echo.Context) (string, string) {
				return session.UserID(c), session.SessionID(c)
			},
			OriginPatterns: originHosts(cfg.AllowedOrigins),
		},

		Metrics:    m,
		Limiter:    limiter,
		RateLimit:  cfg.RateLimit,
		RateWindow: cfg.RateWindow,

		APIKey:         cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBody:        cfg.MaxBody,
	})
	if err != nil {
		return err
	}

	go a.invite.RunReconciler(ctx, cfg.ReconcileInterval)

	// no WriteTimeout: /auth/session-events is a long-lived stream
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           e,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listen", "addr", cfg.ListenAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}
	logger.Info("shutdown_complete")
	return nil
}
