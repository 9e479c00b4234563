// Package extdata connects read-only external resources to configured
// backend data sources. Sources are declared in a JSON config file; a
// parameter-keyed client cache deduplicates identical queries across
// subscribers and serves requests queued while a query is in flight.
package extdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ParamSpec declares one query parameter. Parameter values arrive from the
// client in declaration order and are bound positionally.
type ParamSpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // string, number or boolean; informational
}

// SourceConfig describes one configured external data source.
type SourceConfig struct {
	Name       string      `json:"name"`
	ID         string      `json:"id"`
	Driver     string      `json:"driver"`
	DSN        string      `json:"dsn"`
	Query      string      `json:"query"`
	Params     []ParamSpec `json:"params,omitempty"`
	Attributes []string    `json:"attributes,omitempty"`
}

// MetadataEntry renders the source as the synthetic metadata record value
// through which clients discover it.
func (c SourceConfig) MetadataEntry() map[string]interface{} {
	attributes := make([]interface{}, len(c.Attributes))
	for i, a := range c.Attributes {
		attributes[i] = a
	}
	parameters := make([]interface{}, len(c.Params))
	for i, p := range c.Params {
		parameters[i] = map[string]interface{}{"name": p.Name, "type": p.Type}
	}
	return map[string]interface{}{
		"id":         c.ID,
		"name":       c.Name,
		"isExternal": true,
		"attributes": attributes,
		"parameters": parameters,
	}
}

// LoadConfig reads a JSON array of source declarations.
func LoadConfig(path string) ([]SourceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extdata: read source config: %w", err)
	}
	var sources []SourceConfig
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("extdata: parse source config %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if src.Name == "" || src.ID == "" {
			return nil, fmt.Errorf("extdata: source %q/%q needs both name and id", src.Name, src.ID)
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("extdata: duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	return sources, nil
}

// Data is one query result in column form. Every column holds exactly
// NrRows cells; a nil cell is an undefined value.
type Data struct {
	NrRows  int
	Paths   []string
	Columns map[string][]interface{}
}

// Source is one constructed backend query.
type Source interface {
	// Run executes the query and returns its full result.
	Run(ctx context.Context) (*Data, error)

	// Destroy releases backend handles. Called once, after the last
	// sharer is gone.
	Destroy()
}

// Backend constructs sources for the driver families it understands.
type Backend interface {
	Accepts(cfg SourceConfig) bool
	Construct(cfg SourceConfig, params []interface{}) (Source, error)
}

// Registry holds the configured sources and the installed backends.
type Registry struct {
	sources  []SourceConfig
	backends []Backend
}

// NewRegistry builds a registry over the given sources and backends.
func NewRegistry(sources []SourceConfig, backends ...Backend) *Registry {
	return &Registry{sources: sources, backends: backends}
}

// Sources returns every configured source in declaration order.
func (r *Registry) Sources() []SourceConfig {
	return r.sources
}

// Lookup finds a source by id, falling back to its name.
func (r *Registry) Lookup(key string) (SourceConfig, bool) {
	for _, src := range r.sources {
		if src.ID == key {
			return src, true
		}
	}
	for _, src := range r.sources {
		if src.Name == key {
			return src, true
		}
	}
	return SourceConfig{}, false
}

func (r *Registry) construct(cfg SourceConfig, params []interface{}) (Source, error) {
	if len(params) != len(cfg.Params) {
		return nil, fmt.Errorf("extdata: source %s takes %d parameters, got %d", cfg.ID, len(cfg.Params), len(params))
	}
	for _, backend := range r.backends {
		if backend.Accepts(cfg) {
			return backend.Construct(cfg, params)
		}
	}
	return nil, fmt.Errorf("extdata: no backend accepts source %s (driver %q)", cfg.ID, cfg.Driver)
}
