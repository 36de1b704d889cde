// Package httpengine implements the per-connection HTTP/1.1 and WebSocket
// proxy loop: read a request with http.ReadRequest for parsing correctness,
// resolve it against the route table, dial the backend, rewrite headers,
// and either relay a normal response or, for an upgrade, hand the raw
// sockets to an io.Copy splice. It never parses WebSocket frames.
//
// The request/response head handling follows http.ReadRequest/Response.Write
// as gbmerrall-gocache's CONNECT handler does; the header rewriting follows
// the teacher's createReverseProxy Director; the splice-after-101 step
// generalizes that same handler's raw Hijack-and-copy CONNECT tunnel to an
// already-parsed upgrade response instead of an opaque byte tunnel.
package httpengine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Drew-Chase/minipx/internal/metrics"
	"github.com/Drew-Chase/minipx/internal/perr"
	"github.com/Drew-Chase/minipx/internal/routetable"
)

const defaultMaxHeaderBytes = 1 << 20 // 1 MiB, generous enough for realistic header sets

// Engine serves accepted connections against the live route table. One
// Engine is shared by every listener; it holds no per-connection state.
type Engine struct {
	routes  func() *routetable.Snapshot
	log     *slog.Logger
	metrics *metrics.Metrics

	dialer net.Dialer

	connectTimeout    time.Duration
	headReadTimeout   time.Duration
	idleTimeout       time.Duration
	maxHeaderBytes    int
}

// Option configures an Engine.
type Option func(*Engine)

func WithConnectTimeout(d time.Duration) Option  { return func(e *Engine) { e.connectTimeout = d } }
func WithHeadReadTimeout(d time.Duration) Option { return func(e *Engine) { e.headReadTimeout = d } }
func WithIdleTimeout(d time.Duration) Option     { return func(e *Engine) { e.idleTimeout = d } }
func WithMaxHeaderBytes(n int) Option            { return func(e *Engine) { e.maxHeaderBytes = n } }

// New builds an Engine. routes is called once per accepted connection: a
// route-table hot-reload is seen by connections accepted afterwards, while a
// connection already open keeps the snapshot it started with.
func New(routes func() *routetable.Snapshot, log *slog.Logger, m *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		routes:          routes,
		log:             log,
		metrics:         m,
		connectTimeout:  10 * time.Second,
		headReadTimeout: 30 * time.Second,
		idleTimeout:     60 * time.Second,
		maxHeaderBytes:  defaultMaxHeaderBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ServeConn drives the request loop for one accepted connection until the
// client or backend closes it, a timeout fires, or an upgrade hands the raw
// socket off to a splice. scheme is "http" or "https" and reflects whether
// TLS has already been terminated on conn by the caller.
func (e *Engine) ServeConn(conn net.Conn, scheme string) {
	defer conn.Close()

	clientIP := hostOnly(conn.RemoteAddr().String())
	capr := newCapReader(conn, e.maxHeaderBytes)
	br := bufio.NewReader(capr)

	// Captured once per connection, not per request: a route-table reload
	// must not change which backend an already-accepted keep-alive
	// connection talks to for the rest of its lifetime.
	snap := e.routes()

	first := true
	for {
		deadline := e.idleTimeout
		if first {
			deadline = e.headReadTimeout
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		capr.armed = true
		capr.read = 0
		req, err := http.ReadRequest(br)
		if err != nil {
			if !first {
				// Idle keep-alive connections close silently; only the
				// first request on a connection is a real error.
				return
			}
			if err != io.EOF {
				e.log.Debug("malformed request", "error", err, "client", clientIP)
			}
			return
		}
		capr.disarm()
		first = false
		conn.SetReadDeadline(time.Time{})

		correlationID := uuid.New().String()
		keepAlive := e.handleRequest(conn, br, snap, req, scheme, clientIP, correlationID)
		if !keepAlive {
			return
		}
	}
}

// handleRequest resolves, forwards, and relays a single request/response
// exchange and reports whether the connection should stay open for another
// request.
func (e *Engine) handleRequest(conn net.Conn, br *bufio.Reader, snap *routetable.Snapshot, req *http.Request, scheme, clientIP, correlationID string) bool {
	start := time.Now()
	host := hostOnly(req.Host)

	route, ok := snap.Lookup(host)
	if !ok {
		e.writeSimpleResponse(conn, req, http.StatusNotFound, "no route for this host\n")
		return false
	}

	if route.RedirectToHTTPS && scheme == "http" {
		e.writeRedirect(conn, req, host)
		return !req.Close
	}

	port, forwardedPath := routetable.SelectSubroute(route, req.URL.Path)
	backendAddr := net.JoinHostPort(route.BackendHost, strconv.Itoa(int(port)))

	ctx, cancel := context.WithTimeout(context.Background(), e.connectTimeout)
	backendConn, err := e.dialer.DialContext(ctx, "tcp", backendAddr)
	cancel()
	if err != nil {
		err = perr.WithSubject(perr.KindBackendUnreachable, host, err)
		e.log.Warn("backend dial failed", "host", host, "backend", backendAddr, "error", err, "correlation_id", correlationID)
		if e.metrics != nil {
			e.metrics.BackendFailures.WithLabelValues(host).Inc()
		}
		e.writeSimpleResponse(conn, req, http.StatusBadGateway, "backend unreachable\n")
		return false
	}
	defer backendConn.Close()

	upgrade := isWebSocketUpgrade(req.Header)

	if _, err := parsePath(forwardedPath); err != nil {
		e.writeSimpleResponse(conn, req, http.StatusBadRequest, "malformed request path\n")
		return false
	}
	req.URL.Path = forwardedPath
	req.RequestURI = ""
	stripHopByHop(req.Header, upgrade)
	applyForwardedHeaders(req.Header, clientIP, scheme, req.Host)
	req.Header.Set("X-Request-Id", correlationID)

	if err := req.Write(backendConn); err != nil {
		err = perr.WithSubject(perr.KindBackendUnreachable, host, err)
		e.log.Warn("failed writing request to backend", "host", host, "backend", backendAddr, "error", err, "correlation_id", correlationID)
		if e.metrics != nil {
			e.metrics.BackendFailures.WithLabelValues(host).Inc()
		}
		e.writeSimpleResponse(conn, req, http.StatusBadGateway, "backend write failed\n")
		return false
	}

	backendReader := bufio.NewReader(backendConn)
	resp, err := http.ReadResponse(backendReader, req)
	if err != nil {
		err = perr.WithSubject(perr.KindBackendUnreachable, host, err)
		e.log.Warn("failed reading response from backend", "host", host, "backend", backendAddr, "error", err, "correlation_id", correlationID)
		if e.metrics != nil {
			e.metrics.BackendFailures.WithLabelValues(host).Inc()
		}
		e.writeSimpleResponse(conn, req, http.StatusBadGateway, "backend response malformed\n")
		return false
	}
	defer resp.Body.Close()

	e.observe(host, resp.StatusCode, time.Since(start))

	if upgrade && resp.StatusCode == http.StatusSwitchingProtocols {
		stripHopByHop(resp.Header, true)
		if err := resp.Write(conn); err != nil {
			return false
		}
		spliceConnections(conn, br, backendConn, backendReader)
		return false
	}

	stripHopByHop(resp.Header, false)
	if err := resp.Write(conn); err != nil {
		return false
	}
	return !req.Close && !resp.Close
}

func (e *Engine) observe(host string, status int, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RequestsTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
	e.metrics.RequestDuration.WithLabelValues(host).Observe(d.Seconds())
}

func (e *Engine) writeSimpleResponse(conn net.Conn, req *http.Request, status int, body string) {
	resp := &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	if req != nil {
		resp.Request = req
	}
	_ = resp.Write(conn)
}

func (e *Engine) writeRedirect(conn net.Conn, req *http.Request, host string) {
	// req.RequestURI carries the raw request target exactly as received on
	// the wire; req.URL.Path/RawQuery are decoded and would re-encode a
	// percent-encoded path differently than the client sent it.
	target := "https://" + host + req.RequestURI
	resp := &http.Response{
		StatusCode: http.StatusMovedPermanently,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Location": {target}, "Content-Length": {"0"}},
		Body:       io.NopCloser(strings.NewReader("")),
	}
	_ = resp.Write(conn)
}

// spliceConnections bridges two already-upgraded connections byte-for-byte
// in both directions until either side closes, per spec: the engine never
// interprets WebSocket frames once the 101 response has been relayed. It
// reads through aReader/bReader rather than a/b directly: those bufio
// readers may already hold bytes pulled off the wire during head parsing
// (a pipelined client frame following the upgrade request, or a server
// frame arriving in the same segment as the 101), and reading the raw
// conns instead would strand them.
func spliceConnections(a net.Conn, aReader io.Reader, b net.Conn, bReader io.Reader) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(b, aReader); done <- struct{}{} }()
	go func() { io.Copy(a, bReader); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
	<-done
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(hostport)
}

func parsePath(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		return "", perr.New(perr.KindRequestMalformed, fmt.Errorf("path %q must be absolute", p))
	}
	return p, nil
}
