package listeners

import (
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Drew-Chase/minipx/internal/metrics"
	"github.com/Drew-Chase/minipx/internal/routetable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type recordingHandler struct {
	mu    sync.Mutex
	conns []string // scheme of each accepted connection
}

func (h *recordingHandler) handle(conn net.Conn, scheme string) {
	h.mu.Lock()
	h.conns = append(h.conns, scheme)
	h.mu.Unlock()
	conn.Close()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func noTLSConfig() *tls.Config { return &tls.Config{} }

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	_, p, _ := net.SplitHostPort(ln.Addr().String())
	var port uint16
	for _, c := range p {
		port = port*10 + uint16(c-'0')
	}
	return port
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestReconcileBindsPort80ByDefault(t *testing.T) {
	h := &recordingHandler{}
	s := New(h.handle, noTLSConfig, discardLogger(), nil)
	defer s.Stop()

	// Port 80 may be privileged/unavailable in the test sandbox; the test
	// is skipped when it cannot be bound.
	snap := routetable.NewSnapshot(nil)
	if err := s.Reconcile(snap); err != nil {
		t.Skipf("could not bind port 80 in this environment: %v", err)
	}
	s.mu.Lock()
	_, has80 := s.plaintext[httpPort]
	s.mu.Unlock()
	if !has80 {
		t.Fatal("expected port 80 to be bound by default")
	}
}

func TestReconcileBindsExtraListenPortAndDrainsOnRemoval(t *testing.T) {
	h := &recordingHandler{}
	s := New(h.handle, noTLSConfig, discardLogger(), nil)
	s.plaintext[httpPort] = &boundListener{port: httpPort, done: make(chan struct{})} // pretend 80 is already satisfied
	close(s.plaintext[httpPort].done)
	defer s.Stop()

	extra := freePort(t)
	snap := routetable.NewSnapshot(map[string]routetable.Route{
		"app.test": {BackendHost: "127.0.0.1", BackendPort: 1, ListenPort: extra},
	})
	if err := s.Reconcile(snap); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(extra))))
	if err != nil {
		t.Fatalf("dial extra listener: %v", err)
	}
	conn.Close()
	waitFor(t, func() bool { return h.count() >= 1 })

	// Remove the route; the extra listener should be drained and no longer
	// accept connections.
	if err := s.Reconcile(routetable.NewSnapshot(nil)); err != nil {
		t.Fatalf("Reconcile (removal): %v", err)
	}
	waitFor(t, func() bool {
		s.mu.Lock()
		_, ok := s.plaintext[extra]
		s.mu.Unlock()
		return !ok
	})

	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(extra))), 200*time.Millisecond); err == nil {
		t.Fatal("expected drained listener to refuse new connections")
	}
}

func TestReconcileBindsTLSOnlyWhenAnSSLRouteAppears(t *testing.T) {
	h := &recordingHandler{}
	s := New(h.handle, noTLSConfig, discardLogger(), nil)
	s.plaintext[httpPort] = &boundListener{port: httpPort, done: make(chan struct{})}
	close(s.plaintext[httpPort].done)
	defer s.Stop()

	if err := s.Reconcile(routetable.NewSnapshot(nil)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	s.mu.Lock()
	hasTLS := s.tls != nil
	s.mu.Unlock()
	if hasTLS {
		t.Fatal("expected no TLS listener without any SSL route")
	}

	snap := routetable.NewSnapshot(map[string]routetable.Route{
		"secure.test": {BackendHost: "127.0.0.1", BackendPort: 1, SSLEnabled: true},
	})
	if err := s.Reconcile(snap); err != nil {
		t.Fatalf("Reconcile with SSL route: %v", err)
	}
	s.mu.Lock()
	hasTLS = s.tls != nil
	s.mu.Unlock()
	if !hasTLS {
		t.Fatal("expected TLS listener to be bound once an SSL route appears")
	}

	if err := s.Reconcile(routetable.NewSnapshot(nil)); err != nil {
		t.Fatalf("Reconcile removing SSL route: %v", err)
	}
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.tls == nil
	})
}

func TestStopClosesAllListeners(t *testing.T) {
	h := &recordingHandler{}
	s := New(h.handle, noTLSConfig, discardLogger(), nil).WithDrainTimeout(time.Second)
	s.plaintext[httpPort] = &boundListener{port: httpPort, done: make(chan struct{})}
	close(s.plaintext[httpPort].done)

	extra := freePort(t)
	snap := routetable.NewSnapshot(map[string]routetable.Route{
		"app.test": {BackendHost: "127.0.0.1", BackendPort: 1, ListenPort: extra},
	})
	if err := s.Reconcile(snap); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	s.Stop()

	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(extra))), 200*time.Millisecond); err == nil {
		t.Fatal("expected listener to be closed after Stop")
	}
}

func TestMetricsReflectActiveListenerCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := &recordingHandler{}
	s := New(h.handle, noTLSConfig, discardLogger(), m)
	s.plaintext[httpPort] = &boundListener{port: httpPort, done: make(chan struct{})}
	close(s.plaintext[httpPort].done)
	defer s.Stop()

	snap := routetable.NewSnapshot(map[string]routetable.Route{
		"secure.test": {BackendHost: "127.0.0.1", BackendPort: 1, SSLEnabled: true},
	})
	if err := s.Reconcile(snap); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got := testutil.ToFloat64(m.ListenersActive)
	if got != 2 { // port 80 (stubbed) + TLS
		t.Fatalf("expected 2 active listeners, got %v", got)
	}
}
