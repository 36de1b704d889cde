// Command minipx is a host-based HTTP/HTTPS reverse proxy with automatic
// ACME TLS-ALPN-01 certificate management and live config-file hot-reload.
// It generalizes the teacher's CSV-backed single-listener proxy: routing
// now comes from a JSON document instead of a CSV, certificates are
// obtained and renewed automatically instead of being supplied externally,
// and the listener set grows and shrinks with the routes instead of being
// fixed at startup.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Drew-Chase/minipx/internal/acme"
	"github.com/Drew-Chase/minipx/internal/config"
	"github.com/Drew-Chase/minipx/internal/httpengine"
	"github.com/Drew-Chase/minipx/internal/listeners"
	"github.com/Drew-Chase/minipx/internal/logging"
	"github.com/Drew-Chase/minipx/internal/metrics"
	"github.com/Drew-Chase/minipx/internal/perr"
	"github.com/Drew-Chase/minipx/internal/routetable"
	"github.com/Drew-Chase/minipx/internal/tlsserver"
	"github.com/Drew-Chase/minipx/internal/watcher"
)

// letsEncryptDirectoryURL is the production ACME directory; -acme-directory
// overrides it for staging or a private CA during development.
const letsEncryptDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"

func main() {
	var (
		configPath     = flag.String("config", "./minipx.json", "path to the JSON route configuration file")
		adminAddr      = flag.String("admin-addr", ":9090", "address for the /healthz, /readyz, and /metrics admin listener")
		acmeDirURL     = flag.String("acme-directory", letsEncryptDirectoryURL, "ACME directory URL used for certificate issuance")
		logLevelFlag   = flag.String("log-level", "info", "log level: debug, info, warn, or error")
		connectTimeout = flag.Duration("connect-timeout", 10*time.Second, "backend dial timeout")
		headTimeout    = flag.Duration("head-read-timeout", 30*time.Second, "request head read timeout")
		idleTimeout    = flag.Duration("idle-timeout", 60*time.Second, "keep-alive idle timeout")
		acmePoll       = flag.Duration("acme-poll-timeout", 120*time.Second, "ACME authorization poll deadline per order")
		drainTimeout   = flag.Duration("shutdown-drain-timeout", 15*time.Second, "time allotted to in-flight connections on shutdown")
	)
	flag.Parse()

	log := logging.New(*logLevelFlag, "minipx")

	store, err := config.Load(*configPath)
	if err != nil {
		if perr.Is(err, perr.KindConfigInvalid) {
			log.Error("configuration file is invalid", "path", *configPath, "error", err)
		} else {
			log.Error("failed to load configuration", "path", *configPath, "error", err)
		}
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	store.SetMetrics(m)

	acmeManager := acme.New(acme.Config{
		DirectoryURL: *acmeDirURL,
		Email:        store.Email(),
		CacheDir:     store.CacheDir(),
		PollTimeout:  *acmePoll,
	}, log, m)
	acmeManager.Start()
	defer acmeManager.Stop()

	resolver := tlsserver.New(acmeManager, store.Snapshot)
	engine := httpengine.New(store.Snapshot, log, m,
		httpengine.WithConnectTimeout(*connectTimeout),
		httpengine.WithHeadReadTimeout(*headTimeout),
		httpengine.WithIdleTimeout(*idleTimeout),
	)

	supervisor := listeners.New(engine.ServeConn, tlsConfigFunc(resolver), log, m).WithDrainTimeout(*drainTimeout)
	defer supervisor.Stop()

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	reconcileAndWarm(rootCtx, store.Snapshot(), acmeManager, supervisor, log)

	go watchConfigReloads(rootCtx, store, acmeManager, supervisor, log)

	fileWatcher := watcher.New(*configPath, store, log, watcher.WithRestartCounter(m.WatcherRestarts))
	go fileWatcher.RunWithRestart(rootCtx)

	adminServer := &http.Server{
		Addr:    *adminAddr,
		Handler: adminMux(registry),
	}
	go func() {
		log.Info("admin listener starting", "addr", *adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin listener failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin listener shutdown error", "error", err)
	}
	supervisor.Stop()
	log.Info("shutdown complete")
}

// tlsConfigFunc builds the tls.Config used by the single HTTPS listener.
// acme-tls/1 must be advertised in NextProtos or the TLS-ALPN-01 challenge
// handshake is rejected before GetCertificate is ever consulted.
func tlsConfigFunc(r *tlsserver.Resolver) listeners.TLSConfigFunc {
	return func() *tls.Config {
		return &tls.Config{
			GetCertificate: r.GetCertificate,
			NextProtos:     []string{"acme-tls/1", "http/1.1"},
			MinVersion:     tls.VersionTLS12,
		}
	}
}

// reconcileAndWarm binds the initial listener set for the configuration
// already on disk, after queuing certificate requests for every host that
// needs one (Warm does not wait for them to complete), mirroring the
// teacher's eager LoadRules-then-serve startup sequence.
func reconcileAndWarm(ctx context.Context, snap *routetable.Snapshot, m *acme.Manager, s *listeners.Supervisor, log *slog.Logger) {
	m.EnsureHosts(sslHosts(snap))
	m.Warm(ctx)
	if err := s.Reconcile(snap); err != nil {
		log.Error("initial listener bind failed", "error", err)
		os.Exit(1)
	}
}

// watchConfigReloads re-reconciles the ACME host set and the listener set
// on every published snapshot, whether the change came from a file edit
// picked up by the watcher or a mutation made through the management API.
func watchConfigReloads(ctx context.Context, store *config.Store, m *acme.Manager, s *listeners.Supervisor, log *slog.Logger) {
	ch := store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			m.EnsureHosts(sslHosts(snap))
			if err := s.Reconcile(snap); err != nil {
				log.Error("listener reconcile failed", "error", err)
			}
		}
	}
}

// sslHosts extracts every literal (non-wildcard) SSL-enabled host from a
// snapshot. ACME only ever tracks literal hostnames: wildcard routing is
// supported, but wildcard certificate issuance is out of scope.
func sslHosts(snap *routetable.Snapshot) []string {
	var hosts []string
	for _, r := range snap.Routes() {
		if r.SSLEnabled && len(r.Key) > 0 && r.Key[0] != '*' {
			hosts = append(hosts, r.Key)
		}
	}
	return hosts
}

func adminMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	return mux
}
