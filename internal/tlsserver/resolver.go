// Package tlsserver implements the SNI/ALPN certificate resolution rule from
// spec §4.E: a TLS-ALPN-01 challenge in progress wins first, then a Ready
// certificate for the literal SNI host (whose route may be literal or
// wildcard), otherwise issuance is triggered and this handshake fails. No
// wildcard certificate is ever looked up.
package tlsserver

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/Drew-Chase/minipx/internal/perr"
	"github.com/Drew-Chase/minipx/internal/routetable"
)

const acmeTLSALPNProtocol = "acme-tls/1"

// CertSource is satisfied by *acme.Manager.
type CertSource interface {
	GetCertificate(host string) (*tls.Certificate, bool)
	ChallengeCertificate(host string) (*tls.Certificate, bool)
}

// Resolver builds the GetCertificate callback for a tls.Config. It consults
// the route table for wildcard-aware SNI matching but never requests a
// wildcard identifier from ACME: a literal SNI host always resolves to its
// own literal certificate, falling back to the wildcard route only for
// routing, never for certificate identity (spec Open Question 1).
type Resolver struct {
	certs  CertSource
	routes func() *routetable.Snapshot
}

// New builds a Resolver reading the given certificate source and route
// table accessor.
func New(certs CertSource, routes func() *routetable.Snapshot) *Resolver {
	return &Resolver{certs: certs, routes: routes}
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := strings.ToLower(hello.ServerName)
	if host == "" {
		return nil, fmt.Errorf("tlsserver: no SNI server name offered")
	}

	if offersACMEALPN(hello) {
		if cert, ok := r.certs.ChallengeCertificate(host); ok {
			return cert, nil
		}
		return nil, fmt.Errorf("tlsserver: no pending acme-tls/1 challenge for %s", host)
	}

	route, ok := r.routes().Lookup(host)
	if !ok || !route.SSLEnabled {
		return nil, perr.WithSubject(perr.KindCertificateUnknown, host, fmt.Errorf("no TLS-enabled route for %s", host))
	}

	if cert, ok := r.certs.GetCertificate(host); ok {
		return cert, nil
	}
	return nil, perr.WithSubject(perr.KindCertificateUnknown, host, fmt.Errorf("certificate for %s is not ready yet", host))
}

func offersACMEALPN(hello *tls.ClientHelloInfo) bool {
	for _, p := range hello.SupportedProtos {
		if p == acmeTLSALPNProtocol {
			return true
		}
	}
	return false
}
