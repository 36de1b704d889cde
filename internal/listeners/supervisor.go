// Package listeners reconciles the desired set of bound sockets against the
// routes currently in the live table: port 80 for plaintext, one listener
// per distinct non-reserved listen_port, and a single TLS listener on 443
// whenever any route has TLS enabled. It generalizes the teacher's single
// http.Server/ListenAndServe/Shutdown pairing in main() to a dynamic,
// possibly-empty set of such servers that grows and shrinks as the route
// table is hot-reloaded.
package listeners

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Drew-Chase/minipx/internal/metrics"
	"github.com/Drew-Chase/minipx/internal/perr"
	"github.com/Drew-Chase/minipx/internal/routetable"
)

const httpsPort uint16 = 443
const httpPort uint16 = 80

// ConnHandler serves one accepted, already-TLS-terminated-if-applicable
// connection; satisfied by (*httpengine.Engine).ServeConn bound to a scheme.
type ConnHandler func(conn net.Conn, scheme string)

// TLSConfigFunc builds the tls.Config used for the single HTTPS listener;
// satisfied by a closure around (*tlsserver.Resolver).GetCertificate.
type TLSConfigFunc func() *tls.Config

// Supervisor owns every currently bound listener and reconciles them
// against desired port sets computed from route table snapshots.
type Supervisor struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	handler  ConnHandler
	tlsCfg   TLSConfigFunc
	drainFor time.Duration

	mu        sync.Mutex
	plaintext map[uint16]*boundListener
	tls       *boundListener
}

type boundListener struct {
	ln     net.Listener
	port   uint16
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Supervisor with no listeners bound yet; call Reconcile to
// bind the initial set.
func New(handler ConnHandler, tlsCfg TLSConfigFunc, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		handler:   handler,
		tlsCfg:    tlsCfg,
		log:       log,
		metrics:   m,
		drainFor:  15 * time.Second,
		plaintext: make(map[uint16]*boundListener),
	}
}

// WithDrainTimeout overrides the default 15s in-flight-connection drain
// window used when the Supervisor is stopped. Removing a single listener in
// Reconcile does not wait (see drain).
func (s *Supervisor) WithDrainTimeout(d time.Duration) *Supervisor {
	s.drainFor = d
	return s
}

// desiredPorts computes {80} union every distinct non-reserved listen_port
// in snap, plus 443 iff any route has TLS enabled.
func desiredPorts(snap *routetable.Snapshot) (plaintext map[uint16]struct{}, wantTLS bool) {
	plaintext = map[uint16]struct{}{httpPort: {}}
	for _, r := range snap.Routes() {
		if r.HasListenPort() {
			plaintext[r.ListenPort] = struct{}{}
		}
		if r.SSLEnabled {
			wantTLS = true
		}
	}
	return plaintext, wantTLS
}

// Reconcile binds newly required listeners, drains and closes ones no
// longer needed, and leaves unchanged ones running. The TLS listener is
// bound or unbound only on an SSL-host-set empty<->non-empty transition,
// per spec §4.G: a routing change that merely adds a TLS host does not
// rebind it.
func (s *Supervisor) Reconcile(snap *routetable.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantPlaintext, wantTLS := desiredPorts(snap)

	for port := range wantPlaintext {
		if _, ok := s.plaintext[port]; ok {
			continue
		}
		bl, err := s.bindPlaintext(port)
		if err != nil {
			return err
		}
		s.plaintext[port] = bl
	}
	for port, bl := range s.plaintext {
		if _, ok := wantPlaintext[port]; !ok {
			s.drain(bl)
			delete(s.plaintext, port)
		}
	}

	switch {
	case wantTLS && s.tls == nil:
		bl, err := s.bindTLS()
		if err != nil {
			return err
		}
		s.tls = bl
	case !wantTLS && s.tls != nil:
		s.drain(s.tls)
		s.tls = nil
	}

	if s.metrics != nil {
		s.metrics.ListenersActive.Set(float64(len(s.plaintext) + boolToInt(s.tls != nil)))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Supervisor) bindPlaintext(port uint16) (*boundListener, error) {
	ln, err := net.Listen("tcp", listenAddr(port))
	if err != nil {
		return nil, perr.WithSubject(perr.KindBindFailed, strconv.Itoa(int(port)), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bl := &boundListener{ln: ln, port: port, cancel: cancel, done: make(chan struct{})}
	s.log.Info("listener bound", "port", port, "scheme", "http")
	go s.acceptLoop(ctx, bl, "http")
	return bl, nil
}

func (s *Supervisor) bindTLS() (*boundListener, error) {
	ln, err := net.Listen("tcp", listenAddr(httpsPort))
	if err != nil {
		return nil, perr.WithSubject(perr.KindBindFailed, strconv.Itoa(int(httpsPort)), err)
	}
	tlsLn := tls.NewListener(ln, s.tlsCfg())
	ctx, cancel := context.WithCancel(context.Background())
	bl := &boundListener{ln: tlsLn, port: httpsPort, cancel: cancel, done: make(chan struct{})}
	s.log.Info("listener bound", "port", httpsPort, "scheme", "https")
	go s.acceptLoop(ctx, bl, "https")
	return bl, nil
}

func (s *Supervisor) acceptLoop(ctx context.Context, bl *boundListener, scheme string) {
	defer close(bl.done)
	var wg sync.WaitGroup
	for {
		conn, err := bl.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return
			}
			s.log.Warn("accept failed", "port", bl.port, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handler(conn, scheme)
		}()
	}
}

// drain stops a listener from accepting new connections and closes it; any
// goroutines already handling accepted connections keep running and finish
// on their own (the accept loop's WaitGroup is local to it, so drain itself
// does not block on them beyond closing the socket).
func (s *Supervisor) drain(bl *boundListener) {
	bl.cancel()
	bl.ln.Close()
	s.log.Info("listener drained", "port", bl.port)
}

// Stop closes every listener, waiting up to the drain timeout for their
// accept loops to notice and return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*boundListener, 0, len(s.plaintext)+1)
	for _, bl := range s.plaintext {
		all = append(all, bl)
	}
	if s.tls != nil {
		all = append(all, s.tls)
	}
	for _, bl := range all {
		if bl.cancel != nil {
			bl.cancel()
		}
		if bl.ln != nil {
			bl.ln.Close()
		}
	}
	deadline := time.After(s.drainFor)
	for _, bl := range all {
		select {
		case <-bl.done:
		case <-deadline:
			return
		}
	}
}

func listenAddr(port uint16) string {
	return net.JoinHostPort("", strconv.Itoa(int(port)))
}
