package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	runtimePprof "runtime/pprof"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	supporthttp "github.com/stellar/go/support/http"
	supportlog "github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/config"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/confirmer"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/db"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/signals"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/util"
)

const (
	defaultReadTimeout         = 5 * time.Second
	defaultShutdownGracePeriod = 10 * time.Second
	nodeVersionCheckTimeout    = 10 * time.Second
	journalTrimPeriod          = time.Hour
)

type Daemon struct {
	confirmer       *confirmer.Confirmer
	db              *db.DB
	journal         *db.Journal
	journalTTL      time.Duration
	jsonRPCHandler  *internal.Handler
	logger          *supportlog.Entry
	listener        net.Listener
	server          *http.Server
	adminListener   net.Listener
	adminServer     *http.Server
	closeOnce       sync.Once
	closeError      error
	done            chan struct{}
	metricsRegistry *prometheus.Registry
}

func (d *Daemon) GetDB() *db.DB {
	return d.db
}

func (d *Daemon) GetEndpointAddrs() (net.TCPAddr, *net.TCPAddr) {
	addr := d.listener.Addr().(*net.TCPAddr) //nolint:forcetypeassert
	var adminAddr *net.TCPAddr
	if d.adminListener != nil {
		adminAddr = d.adminListener.Addr().(*net.TCPAddr) //nolint:forcetypeassert
	}
	return *addr, adminAddr
}

func (d *Daemon) close() {
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), defaultShutdownGracePeriod)
	defer shutdownRelease()
	var closeErrors []error

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.WithError(err).Error("error during confirm JSON RPC server Shutdown")
		closeErrors = append(closeErrors, err)
	}
	if d.adminServer != nil {
		if err := d.adminServer.Shutdown(shutdownCtx); err != nil {
			d.logger.WithError(err).Error("error during confirm admin server Shutdown")
			closeErrors = append(closeErrors, err)
		}
	}

	d.jsonRPCHandler.Close()
	if err := d.confirmer.Close(); err != nil {
		d.logger.WithError(err).Error("error closing confirmer")
		closeErrors = append(closeErrors, err)
	}
	if err := d.db.Close(); err != nil {
		d.logger.WithError(err).Error("Error closing db")
		closeErrors = append(closeErrors, err)
	}
	d.closeError = errors.Join(closeErrors...)
	close(d.done)
}

func (d *Daemon) Close() error {
	d.closeOnce.Do(d.close)
	return d.closeError
}

func MustNew(cfg *config.Config, logger *supportlog.Entry) *Daemon {
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == config.LogFormatJSON {
		logger.UseJSONFormatter()
	}

	logger.WithFields(supportlog.F{
		"version": config.Version,
		"commit":  config.CommitHash,
		"node":    cfg.RPCURL,
	}).Info("starting confirm RPC")

	metricsRegistry := prometheus.NewRegistry()
	daemon := &Daemon{
		logger:          logger,
		journalTTL:      cfg.JournalRetention,
		done:            make(chan struct{}),
		metricsRegistry: metricsRegistry,
	}

	dbConn, err := db.OpenSQLiteDBWithPrometheusMetrics(cfg.SQLiteDBPath, interfaces.PrometheusNamespace, "db", metricsRegistry)
	if err != nil {
		logger.WithError(err).Fatal("could not open database")
	}
	daemon.db = dbConn
	daemon.journal = db.NewJournal(logger, dbConn, daemon)

	c, node, err := confirmer.Open(confirmer.EndpointConfig{
		Logger:                 logger,
		Daemon:                 daemon,
		RPCURL:                 cfg.RPCURL,
		WebsocketURL:           cfg.WebsocketURL,
		PollOnly:               cfg.PollOnly,
		RequestTimeout:         cfg.RequestTimeout,
		WebsocketPingInterval:  cfg.WebsocketPingInterval,
		SubscriptionBufferSize: cfg.SubscriptionBufferSize,
		Signals:                signalsConfig(cfg),
		ConfirmationTimeout:    cfg.ConfirmationTimeout,
		Recorder:               daemon.journal,
	})
	if err != nil {
		logger.WithError(err).Fatal("could not connect to the node")
	}
	daemon.confirmer = c

	versionCtx, cancelVersion := context.WithTimeout(context.Background(), nodeVersionCheckTimeout)
	nodeVersion, err := confirmer.CheckNodeVersion(versionCtx, node, cfg.MinNodeVersion)
	cancelVersion()
	if err != nil {
		logger.WithError(err).Warn("could not verify the node version")
	} else {
		logger.WithField("node_version", nodeVersion).Info("node version checked")
	}

	jsonRPCHandler := internal.NewJSONRPCHandler(internal.HandlerParams{
		Confirmer:          c,
		ConfirmationReader: daemon.journal,
		Node:               node,
		DefaultCommitment:  cfg.Commitment,
		Logger:             logger,
		Daemon:             daemon,
		MaxHTTPRequestSize: cfg.MaxHTTPRequestSize,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	daemon.jsonRPCHandler = &jsonRPCHandler

	httpHandler := supporthttp.NewAPIMux(logger)
	httpHandler.Handle("/", jsonRPCHandler)

	// Use a separate listener in order to obtain the actual TCP port
	// when using dynamic ports during testing (e.g. endpoint="localhost:0")
	daemon.listener, err = net.Listen("tcp", cfg.Endpoint)
	if err != nil {
		daemon.logger.WithError(err).WithField("endpoint", cfg.Endpoint).Fatal("cannot listen on endpoint")
	}
	daemon.server = &http.Server{
		Handler:     httpHandler,
		ReadTimeout: defaultReadTimeout,
	}
	if cfg.AdminEndpoint != "" {
		adminMux := supporthttp.NewMux(logger)
		adminMux.HandleFunc("/debug/pprof/", pprof.Index)
		adminMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		adminMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		adminMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		adminMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		// add the entry points for:
		// goroutine, threadcreate, heap, allocs, block, mutex
		for _, profile := range runtimePprof.Profiles() {
			adminMux.Handle("/debug/pprof/"+profile.Name(), pprof.Handler(profile.Name()))
		}
		adminMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
		daemon.adminListener, err = net.Listen("tcp", cfg.AdminEndpoint)
		if err != nil {
			daemon.logger.WithError(err).WithField("endpoint", cfg.AdminEndpoint).Fatal("cannot listen on admin endpoint")
		}
		daemon.adminServer = &http.Server{Handler: adminMux, ReadTimeout: defaultReadTimeout}
	}
	daemon.registerMetrics()
	return daemon
}

func signalsConfig(cfg *config.Config) signals.Config {
	return signals.Config{
		PollInterval:      cfg.PollInterval,
		MaxPollInterval:   cfg.PollMaxInterval,
		BackoffMultiplier: cfg.PollBackoffMultiplier,
	}
}

func (d *Daemon) Run() {
	d.logger.WithFields(supportlog.F{
		"addr": d.listener.Addr().String(),
	}).Info("starting HTTP server")

	panicGroup := util.UnrecoverablePanicGroup.Log(d.logger)
	panicGroup.Go(func() {
		if err := d.server.Serve(d.listener); !errors.Is(err, http.ErrServerClosed) {
			d.logger.WithError(err).Fatal("confirm JSON RPC server encountered fatal error")
		}
	})

	if d.adminServer != nil {
		d.logger.WithFields(supportlog.F{
			"addr": d.adminListener.Addr().String(),
		}).Info("starting Admin HTTP server")
		panicGroup.Go(func() {
			if err := d.adminServer.Serve(d.adminListener); !errors.Is(err, http.ErrServerClosed) {
				d.logger.WithError(err).Error("confirm admin server encountered fatal error")
			}
		})
	}

	if d.journalTTL > 0 {
		util.RecoverablePanicGroup.Log(d.logger).Go(d.trimJournal)
	}

	// Shutdown gracefully when we receive an interrupt signal.
	// First server.Shutdown closes all open listeners, then closes all idle connections.
	// Finally, it waits a grace period (10s here) for connections to return to idle and then shut down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		_ = d.Close()
	case <-d.done:
		return
	}
}

// trimJournal drops attempts older than the retention window until the
// daemon closes.
func (d *Daemon) trimJournal() {
	ticker := time.NewTicker(journalTrimPeriod)
	defer ticker.Stop()
	for {
		d.trimJournalOnce()
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) trimJournalOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-d.journalTTL)
	removed, err := d.journal.Trim(ctx, cutoff)
	if err != nil {
		d.logger.WithError(err).Warn("could not trim the confirmation journal")
		return
	}
	if removed > 0 {
		d.logger.WithField("removed", removed).Info("trimmed the confirmation journal")
	}
}
