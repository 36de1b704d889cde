package httpengine

import (
	"net/http"
	"testing"
)

func TestStripHopByHopKeepsUpgradeHeaderDuringHandshake(t *testing.T) {
	h := http.Header{
		"Connection":       {"Upgrade"},
		"Upgrade":          {"websocket"},
		"Keep-Alive":       {"timeout=5"},
		"Sec-Websocket-Key": {"dGhlIHNhbXBsZSBub25jZQ=="},
	}
	stripHopByHop(h, true)

	if h.Get("Upgrade") != "websocket" {
		t.Fatalf("expected Upgrade header to survive stripping, got %q", h.Get("Upgrade"))
	}
	if h.Get("Connection") != "Upgrade" {
		t.Fatalf("expected Connection header to survive stripping, got %q", h.Get("Connection"))
	}
	if h.Get("Keep-Alive") != "" {
		t.Fatalf("expected Keep-Alive to still be stripped, got %q", h.Get("Keep-Alive"))
	}
}

func TestStripHopByHopDropsUpgradeWhenNotUpgrading(t *testing.T) {
	h := http.Header{
		"Connection": {"close"},
		"Upgrade":    {"websocket"}, // stray header on a non-upgrade request
	}
	stripHopByHop(h, false)

	if h.Get("Upgrade") != "" {
		t.Fatalf("expected Upgrade header to be stripped, got %q", h.Get("Upgrade"))
	}
	if h.Get("Connection") != "" {
		t.Fatalf("expected Connection header to be stripped, got %q", h.Get("Connection"))
	}
}

func TestIsWebSocketUpgradeRequiresSecWebSocketKey(t *testing.T) {
	h := http.Header{"Connection": {"Upgrade"}, "Upgrade": {"websocket"}}
	if isWebSocketUpgrade(h) {
		t.Fatal("expected no match without Sec-WebSocket-Key")
	}
	h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	if !isWebSocketUpgrade(h) {
		t.Fatal("expected match once Sec-WebSocket-Key is present")
	}
}
