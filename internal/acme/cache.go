package acme

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// sanitizeRouteKey maps a route key to a filesystem-safe name within
// cacheDir by replacing every byte outside [A-Za-z0-9._-] (including '*'
// and '/') with '_', per the cache directory layout in the specification.
func sanitizeRouteKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func (m *Manager) certPaths(host string) (chainPath, keyPath string) {
	name := sanitizeRouteKey(host)
	return filepath.Join(m.cacheDir, name+".chain.pem"), filepath.Join(m.cacheDir, name+".key.pem")
}

// loadCachedCert loads a previously issued certificate for host from disk,
// if present and still parseable.
func (m *Manager) loadCachedCert(host string) (*tls.Certificate, time.Time, error) {
	certPath, keyPath := m.certPaths(host)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, time.Time{}, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, time.Time{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acme: parse cached cert for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("acme: parse cached leaf for %s: %w", host, err)
	}
	cert.Leaf = leaf
	return &cert, leaf.NotAfter, nil
}

// cacheCert persists a freshly issued certificate for host, key before chain,
// both write-temp-then-rename.
func (m *Manager) cacheCert(host string, cert *tls.Certificate) error {
	certPath, keyPath := m.certPaths(host)

	var certPEM []byte
	for _, der := range cert.Certificate {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}

	var keyPEM []byte
	switch k := cert.PrivateKey.(type) {
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return fmt.Errorf("acme: marshal key for %s: %w", host, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	case *rsa.PrivateKey:
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
	default:
		return fmt.Errorf("acme: unsupported private key type %T for %s", cert.PrivateKey, host)
	}

	if err := writeFileAtomic(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("acme: cache key for %s: %w", host, err)
	}
	if err := writeFileAtomic(certPath, certPEM, 0o600); err != nil {
		return fmt.Errorf("acme: cache cert for %s: %w", host, err)
	}
	return nil
}
