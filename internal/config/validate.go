package config

import (
	"fmt"
	"strings"

	"github.com/Drew-Chase/minipx/internal/perr"
	"github.com/Drew-Chase/minipx/internal/routetable"
)

func isReservedPort(p uint16) bool { return p == 80 || p == 443 }

// normalizeHostKey lowercases a route key and validates its shape (a literal
// host or a single-label "*.suffix" wildcard).
func normalizeHostKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", fmt.Errorf("route key must not be empty")
	}
	if strings.Count(key, "*") > 1 {
		return "", fmt.Errorf("route key %q has more than one wildcard label", key)
	}
	if strings.Contains(key, "*") && !strings.HasPrefix(key, "*.") {
		return "", fmt.Errorf("route key %q: wildcard must be a single leftmost label (\"*.example.com\")", key)
	}
	return key, nil
}

// normalizePath strips every trailing slash from a backend path ("/" becomes
// ""); the empty string remains the "no prefix" sentinel.
func normalizePath(p string) string {
	for strings.HasSuffix(p, "/") && p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "/" {
		p = ""
	}
	return p
}

// normalizeSubroutePath validates and normalizes a subroute path prefix: it
// must be non-empty, start with exactly one leading slash, and carry no
// trailing slash.
func normalizeSubroutePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("subroute path must not be empty")
	}
	p = strings.TrimSpace(p)
	for strings.HasPrefix(p, "//") {
		p = p[1:]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = normalizePath(p)
	if p == "" {
		return "", fmt.Errorf("subroute path must not reduce to the empty prefix")
	}
	return p, nil
}

// validateAndBuild validates a Document against the spec's invariants,
// normalizes it in place (the normalized wire routes replace doc.Routes, for
// persistence), and builds the routetable snapshot it implies. It returns
// the routetable routes it built and the snapshot holding them (for
// publishing).
func validateAndBuild(doc *Document) (map[string]routetable.Route, *routetable.Snapshot, error) {
	if doc.CacheDir == "" {
		doc.CacheDir = "./cache"
	}

	normalized := make(map[string]RouteSpec, len(doc.Routes))
	routes := make(map[string]routetable.Route, len(doc.Routes))
	anySSL := false

	for rawKey, spec := range doc.Routes {
		key, err := normalizeHostKey(rawKey)
		if err != nil {
			return nil, nil, perr.New(perr.KindConfigInvalid, err)
		}
		if _, dup := normalized[key]; dup {
			return nil, nil, perr.Newf(perr.KindConfigInvalid, "duplicate route key after normalization: %q", key)
		}

		if spec.Port == 0 {
			return nil, nil, perr.Newf(perr.KindConfigInvalid, "route %q: port must not be 0", key)
		}
		if spec.ListenPort != nil {
			if *spec.ListenPort == 0 {
				spec.ListenPort = nil
			} else if isReservedPort(*spec.ListenPort) {
				return nil, nil, perr.WithSubject(perr.KindConfigInvalid, fmt.Sprintf("%d", *spec.ListenPort),
					fmt.Errorf("route %q: listen_port cannot be 80 or 443", key))
			}
		}
		if spec.Host == "" {
			spec.Host = "localhost"
		}
		spec.Path = normalizePath(spec.Path)

		subroutes := make([]routetable.Subroute, 0, len(spec.Subroutes))
		normSubs := make([]SubrouteSpec, 0, len(spec.Subroutes))
		seenPrefix := map[string]bool{}
		for _, sr := range spec.Subroutes {
			p, err := normalizeSubroutePath(sr.Path)
			if err != nil {
				return nil, nil, perr.Newf(perr.KindConfigInvalid, "route %q: subroute: %v", key, err)
			}
			if sr.Port == 0 {
				return nil, nil, perr.Newf(perr.KindConfigInvalid, "route %q: subroute %q: port must not be 0", key, p)
			}
			if seenPrefix[p] {
				return nil, nil, perr.Newf(perr.KindConfigInvalid, "route %q: duplicate subroute path %q", key, p)
			}
			seenPrefix[p] = true
			subroutes = append(subroutes, routetable.Subroute{PathPrefix: p, BackendPort: sr.Port})
			normSubs = append(normSubs, SubrouteSpec{Path: p, Port: sr.Port})
		}

		if spec.SSLEnable {
			anySSL = true
		}

		normalized[key] = RouteSpec{
			Host:            spec.Host,
			Path:            spec.Path,
			Port:            spec.Port,
			SSLEnable:       spec.SSLEnable,
			ListenPort:      spec.ListenPort,
			RedirectToHTTPS: spec.RedirectToHTTPS,
			Subroutes:       normSubs,
		}

		var listenPort uint16
		if spec.ListenPort != nil {
			listenPort = *spec.ListenPort
		}
		routes[key] = routetable.Route{
			Key:             key,
			BackendHost:     spec.Host,
			BackendPath:     spec.Path,
			BackendPort:     spec.Port,
			SSLEnabled:      spec.SSLEnable,
			RedirectToHTTPS: spec.RedirectToHTTPS,
			ListenPort:      listenPort,
			Subroutes:       subroutes,
		}
	}

	if anySSL && strings.TrimSpace(doc.Email) == "" {
		return nil, nil, perr.New(perr.KindConfigInvalid,
			fmt.Errorf("email is mandatory when any route has ssl_enable=true"))
	}

	doc.Routes = normalized
	return routes, routetable.NewSnapshot(routes), nil
}
