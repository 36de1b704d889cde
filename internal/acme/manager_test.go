package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func selfSignedCert(t *testing.T, host string, notAfter time.Time) *tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func TestHostStateSingleFlightCoalescesConcurrentTriggers(t *testing.T) {
	hs := newHostState()
	if !hs.tryBeginOperation(StateRequesting) {
		t.Fatalf("first claim should succeed")
	}
	if hs.tryBeginOperation(StateRequesting) {
		t.Fatalf("second concurrent claim should be coalesced (return false)")
	}

	notAfter := time.Now().Add(90 * 24 * time.Hour)
	hs.finishSuccess(&tls.Certificate{}, notAfter)
	snap := hs.snapshot()
	if snap.state != StateReady || !snap.notAfter.Equal(notAfter) {
		t.Fatalf("expected Ready with notAfter=%v, got %+v", notAfter, snap)
	}

	if !hs.tryBeginOperation(StateRenewing) {
		t.Fatalf("claim should succeed again once the previous operation finished")
	}
}

func TestHostStateFailureKeepsExistingCertButSchedulesRetry(t *testing.T) {
	hs := newHostState()
	hs.tryBeginOperation(StateRequesting)
	hs.finishSuccess(&tls.Certificate{}, time.Now().Add(90*24*time.Hour))

	hs.tryBeginOperation(StateRenewing)
	before := time.Now()
	hs.finishFailure(before)

	snap := hs.snapshot()
	if snap.state != StateReady {
		t.Fatalf("a renewal failure with an existing cert should stay Ready, got %v", snap.state)
	}
	if !snap.retryAt.After(before) {
		t.Fatalf("expected a retry deadline in the future, got %v", snap.retryAt)
	}
}

func TestHostStateFirstIssuanceFailureGoesToFailed(t *testing.T) {
	hs := newHostState()
	hs.tryBeginOperation(StateRequesting)
	hs.finishFailure(time.Now())

	snap := hs.snapshot()
	if snap.state != StateFailed {
		t.Fatalf("a first-issuance failure with no existing cert should be Failed, got %v", snap.state)
	}
}

func TestCacheCertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{cacheDir: dir}

	notAfter := time.Now().Add(89 * 24 * time.Hour).Truncate(time.Second)
	cert := selfSignedCert(t, "app.example.com", notAfter)

	if err := m.cacheCert("app.example.com", cert); err != nil {
		t.Fatalf("cacheCert: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}

	loaded, loadedNotAfter, err := m.loadCachedCert("app.example.com")
	if err != nil {
		t.Fatalf("loadCachedCert: %v", err)
	}
	if !loadedNotAfter.Equal(notAfter) {
		t.Fatalf("expected notAfter %v, got %v", notAfter, loadedNotAfter)
	}
	if len(loaded.Certificate) != 1 {
		t.Fatalf("expected a single-element chain, got %d", len(loaded.Certificate))
	}
}

func TestEnsureHostsAddsAndRemoves(t *testing.T) {
	m := New(Config{CacheDir: t.TempDir()}, discardLogger(), nil)
	defer m.pool.StopAndWait()

	m.EnsureHosts([]string{"a.test", "b.test"})
	if _, ok := m.hosts.Load("a.test"); !ok {
		t.Fatalf("expected a.test to be tracked")
	}
	if _, ok := m.hosts.Load("b.test"); !ok {
		t.Fatalf("expected b.test to be tracked")
	}

	m.EnsureHosts([]string{"a.test"})
	if _, ok := m.hosts.Load("b.test"); ok {
		t.Fatalf("expected b.test to be dropped once no longer wanted")
	}
	if _, ok := m.hosts.Load("a.test"); !ok {
		t.Fatalf("expected a.test to remain tracked")
	}
}

func TestChallengeCertificatePublishAndRead(t *testing.T) {
	m := New(Config{CacheDir: t.TempDir()}, discardLogger(), nil)
	defer m.pool.StopAndWait()

	if _, ok := m.ChallengeCertificate("app.test"); ok {
		t.Fatalf("no challenge cert should be published yet")
	}
	cert := selfSignedCert(t, "app.test", time.Now().Add(time.Hour))
	m.challenges.Store("app.test", cert)

	got, ok := m.ChallengeCertificate("app.test")
	if !ok || got != cert {
		t.Fatalf("expected to read back the published challenge cert")
	}
}

func TestGetCertificateUntrackedHostReturnsFalse(t *testing.T) {
	m := New(Config{CacheDir: t.TempDir()}, discardLogger(), nil)
	defer m.pool.StopAndWait()

	if _, ok := m.GetCertificate("never-configured.test"); ok {
		t.Fatalf("an untracked host must never resolve to a certificate")
	}
}
