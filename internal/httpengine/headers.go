package httpengine

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped before a request or response crosses the
// proxy boundary, per RFC 7230 §6.1. Connection and Upgrade are the
// exception during a WebSocket upgrade: isWebSocketUpgrade callers keep
// them so the backend sees the same upgrade request the client sent.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop headers and any header named in the
// request/response's own Connection header (the mechanism RFC 7230 defines
// for extending the hop-by-hop set on a single message).
func stripHopByHop(h http.Header, keepUpgrade bool) {
	for _, extra := range strings.Split(h.Get("Connection"), ",") {
		extra = strings.TrimSpace(extra)
		if extra == "" {
			continue
		}
		if keepUpgrade && strings.EqualFold(extra, "Upgrade") {
			continue
		}
		h.Del(extra)
	}
	for _, name := range hopByHopHeaders {
		if keepUpgrade && (name == "Connection" || name == "Upgrade") {
			continue
		}
		h.Del(name)
	}
}

// applyForwardedHeaders injects X-Forwarded-For/-Proto/-Host, appending to
// any prior X-Forwarded-For chain rather than overwriting it, matching the
// teacher's Director logic.
func applyForwardedHeaders(h http.Header, clientIP, proto, host string) {
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", host)
}

// isWebSocketUpgrade reports whether a request header set carries a valid
// HTTP Upgrade negotiation for the websocket protocol: Connection: Upgrade,
// Upgrade: websocket, and a Sec-WebSocket-Key. A request missing the key is
// not a valid WebSocket handshake and is relayed as an ordinary request
// instead of being routed through the raw splice path.
func isWebSocketUpgrade(h http.Header) bool {
	hasConnectionUpgrade := false
	for _, v := range strings.Split(h.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "Upgrade") {
			hasConnectionUpgrade = true
			break
		}
	}
	return hasConnectionUpgrade &&
		strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		h.Get("Sec-WebSocket-Key") != ""
}
