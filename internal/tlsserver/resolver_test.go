package tlsserver

import (
	"crypto/tls"
	"testing"

	"github.com/Drew-Chase/minipx/internal/routetable"
)

type fakeCertSource struct {
	ready      map[string]*tls.Certificate
	challenges map[string]*tls.Certificate
	asked      []string // hosts passed to GetCertificate
}

func (f *fakeCertSource) GetCertificate(host string) (*tls.Certificate, bool) {
	f.asked = append(f.asked, host)
	c, ok := f.ready[host]
	return c, ok
}

func (f *fakeCertSource) ChallengeCertificate(host string) (*tls.Certificate, bool) {
	c, ok := f.challenges[host]
	return c, ok
}

func TestGetCertificatePrefersChallengeCertWhenALPNOffered(t *testing.T) {
	challengeCert := &tls.Certificate{}
	src := &fakeCertSource{
		ready:      map[string]*tls.Certificate{"app.test": {}},
		challenges: map[string]*tls.Certificate{"app.test": challengeCert},
	}
	snap := routetable.NewSnapshot(map[string]routetable.Route{
		"app.test": {SSLEnabled: true},
	})
	r := New(src, func() *routetable.Snapshot { return snap })

	got, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.test", SupportedProtos: []string{"acme-tls/1"}})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got != challengeCert {
		t.Fatalf("expected the challenge certificate, got a different one")
	}
}

func TestGetCertificateALPNWithoutPendingChallengeFails(t *testing.T) {
	src := &fakeCertSource{ready: map[string]*tls.Certificate{}, challenges: map[string]*tls.Certificate{}}
	snap := routetable.NewSnapshot(nil)
	r := New(src, func() *routetable.Snapshot { return snap })

	if _, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.test", SupportedProtos: []string{"acme-tls/1"}}); err == nil {
		t.Fatalf("expected an error when no challenge cert is pending")
	}
}

func TestGetCertificateNormalHandshakeNeverSeesChallengeCert(t *testing.T) {
	challengeCert := &tls.Certificate{}
	readyCert := &tls.Certificate{}
	src := &fakeCertSource{
		ready:      map[string]*tls.Certificate{"app.test": readyCert},
		challenges: map[string]*tls.Certificate{"app.test": challengeCert},
	}
	snap := routetable.NewSnapshot(map[string]routetable.Route{"app.test": {SSLEnabled: true}})
	r := New(src, func() *routetable.Snapshot { return snap })

	got, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.test"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if got != readyCert {
		t.Fatalf("expected the normal ready certificate, not the challenge cert")
	}
}

func TestGetCertificateTriggersIssuanceForUnreadyHost(t *testing.T) {
	src := &fakeCertSource{ready: map[string]*tls.Certificate{}, challenges: map[string]*tls.Certificate{}}
	snap := routetable.NewSnapshot(map[string]routetable.Route{"app.test": {SSLEnabled: true}})
	r := New(src, func() *routetable.Snapshot { return snap })

	if _, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.test"}); err == nil {
		t.Fatalf("expected handshake to fail while issuance is pending")
	}
	// The certificate source (acme.Manager) starts issuance from GetCertificate.
	if len(src.asked) != 1 || src.asked[0] != "app.test" {
		t.Fatalf("expected the certificate source to be asked for app.test, got %v", src.asked)
	}
}

func TestGetCertificateRejectsNonTLSRoute(t *testing.T) {
	src := &fakeCertSource{ready: map[string]*tls.Certificate{}, challenges: map[string]*tls.Certificate{}}
	snap := routetable.NewSnapshot(map[string]routetable.Route{"app.test": {SSLEnabled: false}})
	r := New(src, func() *routetable.Snapshot { return snap })

	if _, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.test"}); err == nil {
		t.Fatalf("expected an error for a route with ssl disabled")
	}
}
