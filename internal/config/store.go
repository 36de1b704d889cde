package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Drew-Chase/minipx/internal/metrics"
	"github.com/Drew-Chase/minipx/internal/perr"
	"github.com/Drew-Chase/minipx/internal/routetable"
)

// Store owns the on-disk configuration file and the in-memory document it
// was loaded from. Every mutation normalizes its input, revalidates the
// whole document, persists with write-rename, and publishes a fresh
// routetable.Snapshot to subscribers — never partially, per spec invariant 4.
//
// cache_dir and the config file itself are treated as single-writer
// directories (spec §5); Store's own mu serializes mutations and saves so two
// concurrent callers never interleave a write-temp-then-rename.
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document

	table     *routetable.Table
	lastHosts map[string]struct{}
	metrics   *metrics.Metrics

	subMu sync.Mutex
	subs  []chan *routetable.Snapshot
}

// SetMetrics attaches the collector bundle a freshly-constructed Store
// publishes route/reload samples to. Calling it is optional; a nil bundle
// (the default) means those samples are simply skipped, mirroring every
// other component's nil-metrics convention.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
	s.reportRoutesActive(s.table.Load())
}

// Load reads and validates the configuration file at path. A missing file is
// not an error: a default document is written and returned, matching the
// spec's "on a missing file, writes a default document" behavior.
func Load(path string) (*Store, error) {
	s := &Store{path: path, table: routetable.NewTable()}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.doc = defaultDocument()
		if _, snap, verr := validateAndBuild(&s.doc); verr != nil {
			return nil, verr
		} else {
			s.table.Replace(snap)
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, perr.New(perr.KindIo, err)
	}

	doc, err := decode(data)
	if err != nil {
		return nil, err
	}
	if _, snap, err := validateAndBuild(&doc); err != nil {
		return nil, err
	} else {
		s.doc = doc
		s.table.Replace(snap)
	}
	return s, nil
}

func decode(data []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, perr.New(perr.KindConfigInvalid, fmt.Errorf("parse config: %w", err))
	}
	return doc, nil
}

// Snapshot returns the currently published route table snapshot.
func (s *Store) Snapshot() *routetable.Snapshot { return s.table.Load() }

// Email returns the configured ACME contact address.
func (s *Store) Email() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Email
}

// CacheDir returns the configured ACME cache directory.
func (s *Store) CacheDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CacheDir
}

// Subscribe returns a channel that receives the new snapshot on every
// committed change (mutation, save, or file reload). The channel is buffered
// by one and never closed; callers that stop reading simply stop receiving.
func (s *Store) Subscribe() <-chan *routetable.Snapshot {
	ch := make(chan *routetable.Snapshot, 1)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) publish(snap *routetable.Snapshot) {
	s.table.Replace(snap)
	s.reportRoutesActive(snap)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Coalesce: a slow subscriber just misses an intermediate
			// snapshot and picks up the latest one on its next receive.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// reportRoutesActive sets minipx_routes_active=1 for every host key in snap
// and 0 for any host that was active in the previous snapshot but dropped
// out of this one, so a removed route doesn't linger at 1 forever.
func (s *Store) reportRoutesActive(snap *routetable.Snapshot) {
	current := make(map[string]struct{}, snap.Len())
	for _, r := range snap.Routes() {
		current[r.Key] = struct{}{}
	}
	if s.metrics != nil {
		for host := range s.lastHosts {
			if _, ok := current[host]; !ok {
				s.metrics.RoutesActive.WithLabelValues(host).Set(0)
			}
		}
		for host := range current {
			s.metrics.RoutesActive.WithLabelValues(host).Set(1)
		}
	}
	s.lastHosts = current
}

// save serializes the current document to a temp sibling and renames it over
// the target path, so a crash mid-write never leaves a torn file (spec
// testable property 8).
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return perr.New(perr.KindIo, err)
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return perr.New(perr.KindIo, err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return perr.New(perr.KindIo, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return perr.New(perr.KindIo, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return perr.New(perr.KindIo, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return perr.New(perr.KindIo, err)
	}
	return nil
}

// Reload re-reads the file from disk, validates it, and publishes the new
// snapshot on success. On failure the previous snapshot remains in force and
// the error is returned for the caller (typically the file watcher) to log —
// it never tears down the process, per spec §4.C.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConfigReloadTotal.Inc()
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.reportReloadError()
		return perr.New(perr.KindIo, err)
	}
	doc, err := decode(data)
	if err != nil {
		s.reportReloadError()
		return err
	}
	routes, snap, err := validateAndBuild(&doc)
	if err != nil {
		s.reportReloadError()
		return err
	}
	_ = routes
	s.doc = doc
	s.publish(snap)
	return nil
}

func (s *Store) reportReloadError() {
	if s.metrics != nil {
		s.metrics.ConfigReloadError.Inc()
	}
}

// AddRoute inserts a new route under key, normalizes and persists the
// document, and publishes the updated snapshot.
func (s *Store) AddRoute(key string, spec RouteSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	normKey, err := normalizeHostKey(key)
	if err != nil {
		return perr.New(perr.KindConfigInvalid, err)
	}
	if _, exists := s.doc.Routes[normKey]; exists {
		return perr.Newf(perr.KindConfigInvalid, "route already exists: %s", normKey)
	}
	return s.mutate(func(doc *Document) error {
		doc.Routes[normKey] = spec
		return nil
	})
}

// RemoveRoute deletes a route by key, persists, and publishes.
func (s *Store) RemoveRoute(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = normalizeOrSelf(key)
	if _, exists := s.doc.Routes[key]; !exists {
		return perr.Newf(perr.KindConfigInvalid, "route not found: %s", key)
	}
	return s.mutate(func(doc *Document) error {
		delete(doc.Routes, key)
		return nil
	})
}

// UpdateRoute applies a partial patch to an existing route.
func (s *Store) UpdateRoute(key string, patch RoutePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = normalizeOrSelf(key)
	route, exists := s.doc.Routes[key]
	if !exists {
		return perr.Newf(perr.KindConfigInvalid, "route not found: %s", key)
	}
	if patch.Host != nil {
		route.Host = *patch.Host
	}
	if patch.Path != nil {
		route.Path = *patch.Path
	}
	if patch.Port != nil {
		route.Port = *patch.Port
	}
	if patch.SSLEnable != nil {
		route.SSLEnable = *patch.SSLEnable
	}
	if patch.RedirectToHTTPS != nil {
		route.RedirectToHTTPS = *patch.RedirectToHTTPS
	}
	if patch.ListenPort != nil {
		if *patch.ListenPort == 0 {
			route.ListenPort = nil
		} else {
			lp := *patch.ListenPort
			route.ListenPort = &lp
		}
	}
	return s.mutate(func(doc *Document) error {
		doc.Routes[key] = route
		return nil
	})
}

// AddSubroute appends a (path, port) subroute to an existing route.
func (s *Store) AddSubroute(key, path string, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = normalizeOrSelf(key)
	route, exists := s.doc.Routes[key]
	if !exists {
		return perr.Newf(perr.KindConfigInvalid, "route not found: %s", key)
	}
	if port == 0 {
		return perr.New(perr.KindConfigInvalid, fmt.Errorf("subroute port must not be 0"))
	}
	if port == route.Port {
		return perr.Newf(perr.KindConfigInvalid, "subroute port cannot equal the parent route port: %d", port)
	}
	route.Subroutes = append(route.Subroutes, SubrouteSpec{Path: path, Port: port})
	return s.mutate(func(doc *Document) error {
		doc.Routes[key] = route
		return nil
	})
}

// mutate applies fn to a copy of the document, validates the result, and on
// success commits it as the store's document, persists it, and publishes
// the new snapshot. On any failure the store's state is left untouched.
func (s *Store) mutate(fn func(doc *Document) error) error {
	candidate := cloneDocument(s.doc)
	if err := fn(&candidate); err != nil {
		return err
	}
	_, snap, err := validateAndBuild(&candidate)
	if err != nil {
		return err
	}
	s.doc = candidate
	if err := s.save(); err != nil {
		return err
	}
	s.publish(snap)
	return nil
}

func normalizeOrSelf(key string) string {
	if n, err := normalizeHostKey(key); err == nil {
		return n
	}
	return key
}

func cloneDocument(doc Document) Document {
	out := Document{Email: doc.Email, CacheDir: doc.CacheDir, Routes: make(map[string]RouteSpec, len(doc.Routes))}
	for k, v := range doc.Routes {
		subs := make([]SubrouteSpec, len(v.Subroutes))
		copy(subs, v.Subroutes)
		v.Subroutes = subs
		if v.ListenPort != nil {
			lp := *v.ListenPort
			v.ListenPort = &lp
		}
		out.Routes[k] = v
	}
	return out
}
