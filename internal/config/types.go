// Package config owns the on-disk JSON configuration document: parsing,
// validation, normalization, mutation, and write-rename persistence. It
// generalizes the teacher's CSV-backed ProxyRule loading (LoadRules) to the
// richer JSON schema this spec requires, and follows the mutation shape of
// the original Rust Config (add_route/remove_route/update_route/
// add_subroute) translated into idiomatic Go methods.
package config

// Document is the root of the on-disk configuration file, exactly matching
// the wire schema in the specification.
type Document struct {
	Email    string               `json:"email"`
	CacheDir string               `json:"cache_dir"`
	Routes   map[string]RouteSpec `json:"routes"`
}

// RouteSpec is the wire representation of one route. Field names intentionally
// match the JSON schema (e.g. "ssl_enable", not "ssl_enabled").
type RouteSpec struct {
	Host            string         `json:"host"`
	Path            string         `json:"path"`
	Port            uint16         `json:"port"`
	SSLEnable       bool           `json:"ssl_enable"`
	ListenPort      *uint16        `json:"listen_port,omitempty"`
	RedirectToHTTPS bool           `json:"redirect_to_https"`
	Subroutes       []SubrouteSpec `json:"subroutes,omitempty"`
}

// SubrouteSpec is the wire representation of one subroute entry.
type SubrouteSpec struct {
	Path string `json:"path"`
	Port uint16 `json:"port"`
}

// RoutePatch is a partial update applied by UpdateRoute; nil fields are left
// untouched. It mirrors the original Rust RoutePatch shape.
type RoutePatch struct {
	Host            *string
	Path            *string
	Port            *uint16
	SSLEnable       *bool
	RedirectToHTTPS *bool
	ListenPort      *uint16 // a value of 0 means "unset"
}

func defaultDocument() Document {
	return Document{
		CacheDir: "./cache",
		Routes:   map[string]RouteSpec{},
	}
}
