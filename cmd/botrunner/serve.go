package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botrunner/internal/config"
	"github.com/loykin/botrunner/internal/history"
	historyfactory "github.com/loykin/botrunner/internal/history/factory"
	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/manager"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/server"
	"github.com/loykin/botrunner/internal/store"
	storefactory "github.com/loykin/botrunner/internal/store/factory"
	"github.com/loykin/botrunner/internal/tls"
)

// daemon owns every long-lived component of `botrunner serve`.
type daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	store   store.Store
	botLogs *logger.BotLogWriter
	history *history.Multi
	sampler *metrics.BotSampler
	mgr     *manager.Manager
	router  *server.Router
	srv     *http.Server
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return errors.Wrap(err, "error loading config")
	}

	if flags.Daemonize {
		pidfile := flags.PidFile
		if pidfile == "" {
			pidfile = cfg.Server.PidFile
		}
		logfile := flags.LogFile
		if logfile == "" {
			logfile = cfg.Server.LogFile
		}
		return daemonize(pidfile, logfile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return errors.Wrap(err, "failed to write PID file")
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	d, err := newDaemon(cfg, nil)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		d.close()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		d.log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		d.log.Info("shutting down", "reason", ctx.Err())
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = shutdownTimeout
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.shutdown(sctx)
}

// newDaemon opens the store and history sinks and wires the manager.
// logOut overrides the configured log destination when non-nil.
func newDaemon(cfg *config.Config, logOut io.Writer) (*daemon, error) {
	d := &daemon{cfg: cfg}
	if logOut != nil {
		d.log = cfg.NewSloggerTo(logOut)
	} else {
		d.log = cfg.NewSlogger()
	}
	slog.SetDefault(d.log)

	st, err := storefactory.New(cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	d.store = st

	if d.botLogs, err = logger.NewBotLogWriter(cfg.File); err != nil {
		d.close()
		return nil, errors.Wrap(err, "bot log writer")
	}

	if d.history, err = historyfactory.New(cfg.History, d.log.With("component", "history")); err != nil {
		d.close()
		return nil, errors.Wrap(err, "history sinks")
	}

	d.mgr = manager.New(cfg.ManagerConfig(), st, d.botLogs, d.log)
	if d.history != nil {
		d.mgr.SetHistorySink(d.history)
	}

	d.router = server.NewRouter(d.mgr, cfg.Server.BasePath)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.close()
			return nil, errors.Wrap(err, "register metrics")
		}
		d.sampler = metrics.NewBotSampler(cfg.Metrics.SamplerConfig)
		if err := d.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			d.close()
			return nil, errors.Wrap(err, "register process metrics")
		}
		d.router.WithMetrics(metrics.Handler())
	}
	return d, nil
}

// start recovers jobs, starts the scheduler and the sampler, and binds the API.
func (d *daemon) start(ctx context.Context) error {
	if err := d.mgr.Start(ctx); err != nil {
		return errors.Wrap(err, "start manager")
	}
	if d.sampler != nil {
		d.sampler.Start(context.WithoutCancel(ctx), d.mgr.Running().PIDs)
	}
	tc, err := tls.Setup(d.cfg.Server.TLS)
	if err == nil {
		d.srv, err = server.NewServerTLS(d.cfg.Server.Listen, d.router, tc)
	}
	if err != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		d.mgr.Stop(sctx)
		return err
	}
	d.log.Info("botrunner started", "listen", d.cfg.Server.Listen, "tls", tc != nil, "base_path", d.router.BasePath(),
		"workers", d.cfg.Scheduler.Workers, "metrics", d.cfg.Metrics.Enabled)
	return nil
}

// shutdown stops accepting requests, lets running executions finish until
// ctx ends, then releases every resource.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs error
	if d.srv != nil {
		if err := d.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "http shutdown"))
		}
	}
	d.mgr.Stop(ctx)
	d.close()
	d.log.Info("botrunner stopped")
	return errs
}

func (d *daemon) close() {
	if d.sampler != nil {
		d.sampler.Stop()
	}
	if d.history != nil {
		_ = d.history.Close()
	}
	if d.botLogs != nil {
		_ = d.botLogs.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// shutdownTimeout bounds graceful shutdown when the config leaves it unset.
const shutdownTimeout = 30 * time.Second
