package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/acme"

	"github.com/Drew-Chase/minipx/internal/metrics"
	"github.com/Drew-Chase/minipx/internal/perr"
)

// defaultPollTimeout bounds how long the manager waits for an authorization
// to become valid before giving up on a single ACME order, unless Config
// overrides it.
const defaultPollTimeout = 120 * time.Second

// renewScanInterval is how often the background scanner checks every Ready
// host for impending expiry.
const renewScanInterval = "@every 1h"

// Manager owns the ACME account, the per-host lifecycle state machine, and
// the in-progress TLS-ALPN-01 challenge certificates the TLS acceptor reads
// on every handshake. Issuance and renewal share doObtain and are serialized
// per host by hostState.inFlight; across hosts they run concurrently,
// bounded by a worker pool.
type Manager struct {
	directoryURL string
	email        string
	cacheDir     string

	client   *acme.Client
	clientMu sync.Mutex

	hosts      *xsync.Map[string, *hostState]
	challenges *xsync.Map[string, *tls.Certificate]

	pool        *pond.WorkerPool
	cron        *cron.Cron
	pollTimeout time.Duration

	log     *slog.Logger
	metrics *metrics.Metrics
}

// Config bundles Manager construction parameters.
type Config struct {
	DirectoryURL string
	Email        string
	CacheDir     string
	MaxWorkers   int
	PollTimeout  time.Duration // 0 means defaultPollTimeout
}

// New constructs a Manager. It does not contact the ACME directory or start
// any background task; call Start for that.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Manager {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Manager{
		directoryURL: cfg.DirectoryURL,
		email:        cfg.Email,
		cacheDir:     cfg.CacheDir,
		hosts:        xsync.NewMap[string, *hostState](),
		challenges:   xsync.NewMap[string, *tls.Certificate](),
		pool:         pond.New(maxWorkers, maxWorkers*4),
		pollTimeout:  pollTimeout,
		log:          log,
		metrics:      m,
	}
}

// Start launches the renewal scanner. Call Stop on shutdown.
func (m *Manager) Start() {
	m.cron = cron.New()
	m.cron.AddFunc(renewScanInterval, m.scanForRenewals)
	m.cron.Start()
}

// Stop drains in-flight ACME work and stops the renewal scanner.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	m.pool.StopAndWait()
}

// EnsureHosts reconciles the manager's tracked host set with hosts currently
// requiring a certificate (every SSL-enabled route). Hosts no longer present
// are dropped along with any pending challenge cert; newly added hosts start
// Absent and get their first issuance kicked off on the next handshake (or
// immediately via Warm).
func (m *Manager) EnsureHosts(hosts []string) {
	wanted := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		wanted[h] = struct{}{}
		m.hosts.LoadOrStore(h, newHostState())
	}
	m.hosts.Range(func(h string, _ *hostState) bool {
		if _, ok := wanted[h]; !ok {
			m.hosts.Delete(h)
			m.challenges.Delete(h)
			if m.metrics != nil {
				m.metrics.CertificatesReady.WithLabelValues(h).Set(0)
			}
		}
		return true
	})
}

// Warm queues issuance for every currently tracked Absent host on the worker
// pool and returns without waiting for it. Used at startup so issuance for a
// configured host starts before its first handshake arrives.
func (m *Manager) Warm(ctx context.Context) {
	m.hosts.Range(func(host string, hs *hostState) bool {
		if hs.snapshot().state == StateAbsent {
			m.triggerIssuance(ctx, host, hs)
		}
		return true
	})
}

// EnsureHost starts tracking a single literal host if it isn't tracked
// already, without touching any other tracked host or removing anything.
// GetCertificate calls this for a host matched only via a wildcard route,
// whose literal SNI name has no tracking entry until its first handshake.
func (m *Manager) EnsureHost(host string) *hostState {
	hs, _ := m.hosts.LoadOrStore(host, newHostState())
	return hs
}

// GetCertificate returns the current Ready certificate for host, if any. If
// the host is Absent or Failed past its retry deadline, issuance is
// triggered asynchronously and (nil, false) is returned so the caller fails
// this handshake, per spec §4.E rule 3. A host reachable only through a
// wildcard route is not pre-registered by EnsureHosts, so it is tracked here
// on first sight instead of failing forever.
func (m *Manager) GetCertificate(host string) (*tls.Certificate, bool) {
	hs, ok := m.hosts.Load(host)
	if !ok {
		hs = m.EnsureHost(host)
	}
	snap := hs.snapshot()
	if snap.cert != nil && (snap.state == StateReady || snap.state == StateRenewing) {
		return snap.cert, true
	}
	if snap.state == StateAbsent || (snap.state == StateFailed && !snap.retryAt.After(time.Now())) {
		go m.triggerIssuance(context.Background(), host, hs)
	}
	return nil, false
}

// ChallengeCertificate returns the in-progress TLS-ALPN-01 challenge
// certificate for host, if one is currently published.
func (m *Manager) ChallengeCertificate(host string) (*tls.Certificate, bool) {
	return m.challenges.Load(host)
}

// triggerIssuance submits a single issuance attempt for host to the worker
// pool, coalescing with any already-in-flight operation for the same host.
func (m *Manager) triggerIssuance(ctx context.Context, host string, hs *hostState) {
	if !hs.tryBeginOperation(StateRequesting) {
		return // another goroutine already owns this host
	}
	m.pool.Submit(func() {
		m.doObtain(ctx, host, hs, "issue")
	})
}

func (m *Manager) scanForRenewals() {
	now := time.Now()
	m.hosts.Range(func(host string, hs *hostState) bool {
		snap := hs.snapshot()
		if snap.state != StateReady || snap.notAfter.IsZero() {
			return true
		}
		if snap.notAfter.Sub(now) >= renewalBuffer {
			return true
		}
		if hs.tryBeginOperation(StateRenewing) {
			host, hs := host, hs
			m.pool.Submit(func() {
				m.doObtain(context.Background(), host, hs, "renew")
			})
		}
		return true
	})
}

// doObtain performs one full issuance/renewal attempt: load from cache if
// still valid, otherwise run the TLS-ALPN-01 order flow and cache the
// result. It always calls hs.finishSuccess/finishFailure exactly once.
func (m *Manager) doObtain(ctx context.Context, host string, hs *hostState, kind string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if cert, notAfter, err := m.loadCachedCert(host); err == nil && notAfter.Sub(time.Now()) >= renewalBuffer {
		hs.finishSuccess(cert, notAfter)
		m.observe(kind, host, "cache_hit")
		if m.metrics != nil {
			m.metrics.CertificatesReady.WithLabelValues(host).Set(1)
		}
		return
	}

	cert, notAfter, err := m.obtainViaTLSALPN01(ctx, host)
	if err != nil {
		err = perr.WithSubject(perr.KindAcmeFailed, host, err)
		m.log.Error("acme issuance failed", "host", host, "kind", kind, "error", err)
		hs.finishFailure(time.Now())
		m.observe(kind, host, "failure")
		// A failed renewal keeps the host Ready on its existing certificate.
		if m.metrics != nil && hs.snapshot().state == StateFailed {
			m.metrics.CertificatesReady.WithLabelValues(host).Set(0)
		}
		return
	}

	if err := m.cacheCert(host, cert); err != nil {
		m.log.Warn("failed to cache issued certificate", "host", host, "error", err)
	}
	hs.finishSuccess(cert, notAfter)
	m.observe(kind, host, "success")
	if m.metrics != nil {
		m.metrics.CertificatesReady.WithLabelValues(host).Set(1)
	}
	m.log.Info("certificate ready", "host", host, "not_after", notAfter)
}

func (m *Manager) observe(kind, host, outcome string) {
	if m.metrics == nil {
		return
	}
	switch kind {
	case "renew":
		m.metrics.CertificateRenewTotal.WithLabelValues(host, outcome).Inc()
	default:
		m.metrics.CertificateIssueTotal.WithLabelValues(host, outcome).Inc()
	}
}

// obtainViaTLSALPN01 runs the ACME v2 order flow for a single host using the
// TLS-ALPN-01 challenge: authorize, publish a challenge cert for the
// acme-tls/1 ALPN, accept, wait, then finalize with a freshly generated key.
func (m *Manager) obtainViaTLSALPN01(ctx context.Context, host string) (*tls.Certificate, time.Time, error) {
	if err := m.ensureClient(ctx); err != nil {
		return nil, time.Time{}, err
	}

	order, err := m.client.AuthorizeOrder(ctx, acme.DomainIDs(host))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acme: authorize order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := m.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("acme: get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var chal *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "tls-alpn-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			return nil, time.Time{}, fmt.Errorf("acme: no tls-alpn-01 challenge offered for %s", host)
		}

		challengeCert, err := m.client.TLSALPN01ChallengeCert(chal.Token, host)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("acme: build challenge cert: %w", err)
		}
		m.challenges.Store(host, &challengeCert)
		defer m.challenges.Delete(host)

		if _, err := m.client.Accept(ctx, chal); err != nil {
			return nil, time.Time{}, fmt.Errorf("acme: accept challenge: %w", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, m.pollTimeout)
		_, err = m.client.WaitAuthorization(waitCtx, authzURL)
		cancel()
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("acme: wait authorization: %w", err)
		}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acme: generate cert key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{DNSNames: []string{host}}, certKey)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acme: create CSR: %w", err)
	}

	der, _, err := m.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acme: finalize order: %w", err)
	}
	if len(der) == 0 {
		return nil, time.Time{}, fmt.Errorf("acme: directory returned an empty certificate chain for %s", host)
	}

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acme: parse issued certificate: %w", err)
	}

	cert := &tls.Certificate{Certificate: der, PrivateKey: certKey, Leaf: leaf}
	return cert, leaf.NotAfter, nil
}
