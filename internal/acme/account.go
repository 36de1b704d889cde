package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/acme"
)

type cachedAccount struct {
	URI string `json:"uri"`
}

// ensureClient initializes m.client on first use: load or generate the
// account key, then load a cached account or register a new one. Guarded by
// clientMu so concurrent callers share one initialization.
func (m *Manager) ensureClient(ctx context.Context) error {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	if m.client != nil {
		return nil
	}

	key, err := m.loadOrCreateAccountKey()
	if err != nil {
		return fmt.Errorf("acme: account key: %w", err)
	}

	client := &acme.Client{Key: key, DirectoryURL: m.directoryURL}

	if acc, err := m.loadAccount(); err == nil && acc.URI != "" {
		if _, err := client.GetReg(ctx, acc.URI); err == nil {
			m.log.Info("loaded ACME account from cache", "uri", acc.URI)
			m.client = client
			return nil
		}
		m.log.Warn("cached ACME account is no longer valid, re-registering")
	}

	account := &acme.Account{Contact: []string{"mailto:" + m.email}}
	registered, err := client.Register(ctx, account, acme.AcceptTOS)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			existing, getErr := client.GetReg(ctx, "")
			if getErr != nil {
				return fmt.Errorf("acme: fetch existing account: %w", getErr)
			}
			if err := m.saveAccount(&cachedAccount{URI: existing.URI}); err != nil {
				m.log.Warn("failed to cache existing ACME account", "error", err)
			}
			m.client = client
			return nil
		}
		return fmt.Errorf("acme: register account: %w", err)
	}

	if err := m.saveAccount(&cachedAccount{URI: registered.URI}); err != nil {
		m.log.Warn("failed to cache ACME account", "error", err)
	}
	m.log.Info("registered ACME account", "email", m.email, "uri", registered.URI)
	m.client = client
	return nil
}

func (m *Manager) accountKeyPath() string { return filepath.Join(m.cacheDir, "account.key") }
func (m *Manager) accountPath() string    { return filepath.Join(m.cacheDir, "account.json") }

func (m *Manager) loadOrCreateAccountKey() (crypto.Signer, error) {
	if data, err := os.ReadFile(m.accountKeyPath()); err == nil {
		if block, _ := pem.Decode(data); block != nil && block.Type == "EC PRIVATE KEY" {
			if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
				return key, nil
			}
		}
		m.log.Warn("cached account key is unreadable, generating a new one")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := writeFileAtomic(m.accountKeyPath(), data, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *Manager) loadAccount() (*cachedAccount, error) {
	data, err := os.ReadFile(m.accountPath())
	if err != nil {
		return nil, err
	}
	var acc cachedAccount
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (m *Manager) saveAccount(acc *cachedAccount) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return writeFileAtomic(m.accountPath(), data, 0o600)
}

// writeFileAtomic writes data to a temp sibling of path and renames it into
// place, so a crash mid-write never leaves a torn cache file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
