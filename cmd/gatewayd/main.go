package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runnergateway/gateway/internal/adminstream"
	"github.com/runnergateway/gateway/internal/batchqueue"
	"github.com/runnergateway/gateway/internal/classifier"
	"github.com/runnergateway/gateway/internal/config"
	"github.com/runnergateway/gateway/internal/control"
	"github.com/runnergateway/gateway/internal/dispatcher"
	"github.com/runnergateway/gateway/internal/eventbus"
	"github.com/runnergateway/gateway/internal/gwtypes"
	"github.com/runnergateway/gateway/internal/httpapi"
	"github.com/runnergateway/gateway/internal/metrics"
	"github.com/runnergateway/gateway/internal/registry"
	"github.com/runnergateway/gateway/internal/router"
	"github.com/runnergateway/gateway/internal/runnerclient"
	"github.com/runnergateway/gateway/internal/sqlstore"
	"github.com/runnergateway/gateway/internal/wake"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Runner orchestration gateway: control channel, router and batch dispatcher",
		RunE:  runServe,
	}
	root.Flags().StringVar(&configPath, "config", "gatewayd.toml", "path to the TOML configuration file")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func runServe(_ *cobra.Command, _ []string) error {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Warn("failed to load config file, continuing with defaults")
		cfg = config.Default()
	}
	watcher := config.NewWatcher(configPath, cfg, log)

	metrics.Register(prometheus.DefaultRegisterer)

	bus := eventbus.New()
	reg := registry.New(bus)

	client := runnerclient.New()

	var store *sqlstore.Store
	if cfg.DBDSN != "" {
		store, err = sqlstore.Open(cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("gatewayd: opening store: %w", err)
		}
		defer store.Close()
	}

	classifierCfg := func() classifier.Config {
		c := watcher.Current()
		return classifier.Config{Big: c.BigModels, Fast: c.FastModels}
	}

	// store satisfies router.AuditLog/dispatcher.AuditLog, but a nil
	// *sqlstore.Store boxed into either interface is a non-nil interface
	// wrapping a nil pointer, so only hand it over when a DSN was actually
	// configured.
	var auditLog router.AuditLog
	if store != nil {
		auditLog = store
	}

	rt := router.New(reg, client, classifierCfg(), cfg.TierMachineAffinity, auditLog)

	queue := batchqueue.New(batchqueue.Config{
		BatchTimeout: cfg.BatchTimeout(),
		MinBatchSize: cfg.MinBatchSize,
	})
	var dispatcherAudit dispatcher.AuditLog
	if store != nil {
		dispatcherAudit = store
	}
	disp := dispatcher.New(queue, reg, client, dispatcherAudit, log)

	ctrl := control.New(reg, cfg.RunnerSharedSecret, disp, log)

	var lookup wake.RunnerLookup
	if store != nil {
		lookup = registryStoreLookup{reg: reg, store: store}
	} else {
		lookup = registryOnlyLookup{reg: reg}
	}
	waker := wake.New(lookup, wake.Config{
		BroadcastAddr: cfg.WakeBroadcastAddr,
		BouncerAddr:   cfg.WakeBouncerAddr,
	})

	adminAuth := allowAllAdmins{}
	var persistedLister adminstream.PersistedLister
	if store != nil {
		persistedLister = store
	}
	adminStream := adminstream.New(reg, adminAuth, persistedLister, log)

	engine := httpapi.New(httpapi.Deps{
		Registry:    reg,
		Router:      rt,
		Queue:       queue,
		Waker:       waker,
		Control:     ctrl,
		AdminStream: adminStream,
		Log:         log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go disp.Run(ctx)
	go sweepLoop(ctx, reg, cfg.StaleHeartbeat(), disp, log)
	go func() {
		if err := watcher.Watch(ctx.Done()); err != nil {
			log.WithError(err).Warn("config watcher stopped")
		}
	}()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: engine}
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("gatewayd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// sweepLoop periodically evicts stale runners and invalidates the
// dispatcher's batch-size cache when it does (spec §4.2, §5).
func sweepLoop(ctx context.Context, reg *registry.Registry, timeout time.Duration, disp *dispatcher.Dispatcher, log logrus.FieldLogger) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := reg.SweepStale(timeout)
			if len(stale) > 0 {
				disp.InvalidateCache()
				log.WithField("runners", stale).Info("evicted stale runners")
			}
		}
	}
}

// registryOnlyLookup satisfies wake.RunnerLookup when no persistence store
// is configured: every persisted lookup simply misses.
type registryOnlyLookup struct {
	reg *registry.Registry
}

func (l registryOnlyLookup) Get(id string) (gwtypes.Runner, bool) {
	return l.reg.Get(id)
}

func (l registryOnlyLookup) GetPersisted(_ context.Context, _ string) (gwtypes.PersistedRunner, bool, error) {
	return gwtypes.PersistedRunner{}, false, nil
}

// registryStoreLookup satisfies wake.RunnerLookup backed by both the live
// registry and the durable store.
type registryStoreLookup struct {
	reg   *registry.Registry
	store *sqlstore.Store
}

func (l registryStoreLookup) Get(id string) (gwtypes.Runner, bool) {
	return l.reg.Get(id)
}

func (l registryStoreLookup) GetPersisted(ctx context.Context, id string) (gwtypes.PersistedRunner, bool, error) {
	return l.store.Get(ctx, id)
}

// allowAllAdmins is a placeholder Authenticator until an admin-token
// service is wired in; any non-empty token is accepted.
type allowAllAdmins struct{}

func (allowAllAdmins) Authenticate(_ context.Context, token string) bool {
	return token != ""
}
