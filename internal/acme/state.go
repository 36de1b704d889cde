// Package acme manages the per-host TLS certificate lifecycle against an
// ACME v2 directory using the TLS-ALPN-01 challenge, adapted from the
// DNS-01/Route 53 flow in dalemusser-waffle's DNS01Manager: the same
// golang.org/x/crypto/acme low-level client calls (AuthorizeOrder,
// GetAuthorization, Accept, WaitAuthorization, CreateOrderCert), the same
// account-key bootstrap and write-rename cache discipline, but the DNS
// TXT-record step is replaced by publishing a self-signed challenge
// certificate the TLS acceptor presents when ALPN offers "acme-tls/1".
package acme

import (
	"crypto/tls"
	"sync"
	"time"
)

// State is a host's position in the certificate lifecycle state machine:
// Absent -> Requesting -> Ready -> Renewing -> Ready' (or Failed).
type State int

const (
	StateAbsent State = iota
	StateRequesting
	StateReady
	StateRenewing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateRequesting:
		return "requesting"
	case StateReady:
		return "ready"
	case StateRenewing:
		return "renewing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// renewalBuffer is how far before expiry a Ready certificate moves to
// Renewing.
const renewalBuffer = 30 * 24 * time.Hour

// maxRetryBackoff bounds the exponential backoff applied after a failed
// issuance or renewal.
const maxRetryBackoff = 24 * time.Hour

// hostState is the mutable lifecycle record for a single host. Every field
// access goes through mu. The certificate pointer is handed out as is; a
// stored certificate is never modified, only replaced by finishSuccess.
type hostState struct {
	mu sync.Mutex

	state    State
	cert     *tls.Certificate
	notAfter time.Time

	retryAt  time.Time
	attempts int

	// inFlight is true while an issuance or renewal goroutine owns this
	// host; concurrent triggers observe it and coalesce instead of
	// starting a second operation (spec: "at most one outstanding ACME
	// operation per host").
	inFlight bool
}

func newHostState() *hostState {
	return &hostState{state: StateAbsent}
}

// snapshot returns a point-in-time, lock-free-safe copy of the fields a
// caller needs to decide what to do next.
type hostSnapshot struct {
	state    State
	cert     *tls.Certificate
	notAfter time.Time
	retryAt  time.Time
}

func (h *hostState) snapshot() hostSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hostSnapshot{state: h.state, cert: h.cert, notAfter: h.notAfter, retryAt: h.retryAt}
}

// tryBeginOperation claims the single-flight slot for this host, returning
// false if an operation is already in flight.
func (h *hostState) tryBeginOperation(next State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight {
		return false
	}
	h.inFlight = true
	h.state = next
	return true
}

func (h *hostState) finishSuccess(cert *tls.Certificate, notAfter time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight = false
	h.state = StateReady
	h.cert = cert
	h.notAfter = notAfter
	h.attempts = 0
	h.retryAt = time.Time{}
}

func (h *hostState) finishFailure(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight = false
	h.attempts++
	backoff := time.Duration(1<<uint(min(h.attempts, 20))) * time.Second
	if backoff > maxRetryBackoff || backoff <= 0 {
		backoff = maxRetryBackoff
	}
	h.retryAt = now.Add(backoff)
	if h.cert != nil {
		// A failed renewal keeps serving the existing certificate; only a
		// failed first issuance has nothing to fall back to.
		h.state = StateReady
	} else {
		h.state = StateFailed
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
