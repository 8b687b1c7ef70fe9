// Package kinds loads the entity-kind catalog that tells the engine which
// record classes it manages, where they live on the clinic API, and how
// their cache shadows behave.
//
// The catalog ships with built-in defaults for the x-ear domain and can be
// overridden by a kinds.toml next to the engine database:
//
//	[kinds.patients]
//	endpoint      = "/api/patients"
//	lookup_fields = ["firstName", "lastName", "phone"]
//	ttl           = "24h"
//	cache_cap     = 5000
package kinds

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrUnknown reports a kind name absent from the catalog.
var ErrUnknown = errors.New("unknown kind")

// Duration wraps time.Duration so TTLs read naturally in TOML ("24h").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Kind describes one entity class the engine manages.
type Kind struct {
	// Name is the catalog key ("patients"); set on load.
	Name string `toml:"-"`
	// Endpoint is the collection path on the clinic API.
	Endpoint string `toml:"endpoint"`
	// LookupFields are payload fields that get secondary indexes and are
	// searchable offline.
	LookupFields []string `toml:"lookup_fields"`
	// TTL is how long pulled shadows stay fresh.
	TTL Duration `toml:"ttl"`
	// CacheCap is the hard row cap for shadows of this kind.
	CacheCap int `toml:"cache_cap"`
}

// Catalog is the full set of kinds, keyed by name.
type Catalog struct {
	Kinds map[string]Kind `toml:"kinds"`
}

var fieldNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Validate checks every kind in the catalog.
func (c *Catalog) Validate() error {
	if len(c.Kinds) == 0 {
		return fmt.Errorf("catalog has no kinds")
	}
	for name, k := range c.Kinds {
		if !fieldNameRe.MatchString(name) {
			return fmt.Errorf("kind %q: name must be alphanumeric", name)
		}
		if k.Endpoint == "" || k.Endpoint[0] != '/' {
			return fmt.Errorf("kind %q: endpoint must start with / (got %q)", name, k.Endpoint)
		}
		if k.CacheCap <= 0 {
			return fmt.Errorf("kind %q: cache_cap must be positive (got %d)", name, k.CacheCap)
		}
		if k.TTL < 0 {
			return fmt.Errorf("kind %q: ttl must not be negative", name)
		}
		for _, f := range k.LookupFields {
			if !fieldNameRe.MatchString(f) {
				return fmt.Errorf("kind %q: lookup field %q must be alphanumeric", name, f)
			}
		}
	}
	return nil
}

// Get returns the named kind.
func (c *Catalog) Get(name string) (Kind, bool) {
	k, ok := c.Kinds[name]
	return k, ok
}

// Names returns the kind names in stable order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Kinds))
	for name := range c.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the built-in x-ear catalog.
func Default() *Catalog {
	return &Catalog{
		Kinds: map[string]Kind{
			"patients": {
				Name:         "patients",
				Endpoint:     "/api/patients",
				LookupFields: []string{"firstName", "lastName", "phone", "tcNumber"},
				TTL:          Duration(24 * time.Hour),
				CacheCap:     5000,
			},
			"appointments": {
				Name:         "appointments",
				Endpoint:     "/api/appointments",
				LookupFields: []string{"patientId", "date", "status"},
				TTL:          Duration(6 * time.Hour),
				CacheCap:     10000,
			},
			"invoices": {
				Name:         "invoices",
				Endpoint:     "/api/invoices",
				LookupFields: []string{"patientId", "invoiceNumber", "status"},
				TTL:          Duration(24 * time.Hour),
				CacheCap:     5000,
			},
			"devices": {
				Name:         "devices",
				Endpoint:     "/api/devices",
				LookupFields: []string{"patientId", "serialNumber", "brand"},
				TTL:          Duration(168 * time.Hour),
				CacheCap:     2000,
			},
			"attachments": {
				Name:         "attachments",
				Endpoint:     "/api/attachments",
				LookupFields: []string{"entityId", "fileName"},
				TTL:          Duration(24 * time.Hour),
				CacheCap:     1000,
			},
		},
	}
}

// Load reads the catalog from a TOML file, falling back to the built-in
// defaults when the file does not exist. Kinds present in the file
// replace defaults wholesale; kinds absent from the file keep their
// default definition.
func Load(path string) (*Catalog, error) {
	cat := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cat, nil
	}

	var loaded Catalog
	if _, err := toml.DecodeFile(path, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse kind catalog %s: %w", path, err)
	}
	for name, k := range loaded.Kinds {
		k.Name = name
		cat.Kinds[name] = k
	}

	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kind catalog %s: %w", path, err)
	}
	return cat, nil
}
