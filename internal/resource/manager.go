package resource

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/docstore"
	"github.com/statecast/statecast/internal/extdata"
	"github.com/statecast/statecast/internal/metrics"
)

// Spec identifies a resource: its family plus the owner, app, path and
// parameter coordinates the family uses. Two specs with the same canonical
// key share one live instance.
type Spec struct {
	Type   string
	Owner  string
	App    string
	Path   []string
	Params []interface{}
}

// ParseSpec decodes a wire resourceSpec object.
func ParseSpec(raw map[string]interface{}) (Spec, error) {
	spec := Spec{}
	spec.Type, _ = raw["type"].(string)
	spec.Owner, _ = raw["owner"].(string)
	spec.App, _ = raw["app"].(string)

	if rawPath, ok := raw["path"]; ok {
		path, err := pathOf(rawPath)
		if err != nil {
			return Spec{}, fmt.Errorf("resource: spec path: %w", err)
		}
		spec.Path = path
	}
	if rawParams, ok := raw["params"]; ok && rawParams != nil {
		params, ok := rawParams.([]interface{})
		if !ok {
			return Spec{}, fmt.Errorf("resource: spec params must be an ordered list, got %T", rawParams)
		}
		spec.Params = params
	}
	if err := spec.validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) validate() error {
	switch s.Type {
	case KindAppState:
		if s.Owner == "" || s.App == "" {
			return fmt.Errorf("resource: appState spec needs owner and app")
		}
	case KindTable:
		if s.App == "" || len(s.Path) == 0 {
			return fmt.Errorf("resource: table spec needs app and path")
		}
	case KindExternal:
		if s.App == "" || len(s.Path) == 0 {
			return fmt.Errorf("resource: external spec needs app and path")
		}
	case KindMetadata:
	default:
		return fmt.Errorf("resource: unknown resource type %q", s.Type)
	}
	return nil
}

// Key canonicalises the spec. The key doubles as the persistence
// collection name for app-state and table resources.
func (s Spec) Key() (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	switch s.Type {
	case KindAppState:
		return "rrm.appState." + escapeComponent(s.Owner) + "." + escapeComponent(s.App), nil
	case KindTable:
		return "tables." + escapeComponent(s.App) + "." + escapePath(s.Path), nil
	case KindExternal:
		params := s.Params
		if params == nil {
			params = []interface{}{}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("resource: spec params: %w", err)
		}
		return "external." + escapeComponent(s.App) + "." + escapePath(s.Path) + "?" + string(raw), nil
	case KindMetadata:
		return "metadata", nil
	}
	return "", fmt.Errorf("resource: unknown resource type %q", s.Type)
}

// AuthCoords maps the spec onto the (owner, type, name) coordinates the
// rule store is keyed by.
func (s Spec) AuthCoords() (owner, typ, name string) {
	switch s.Type {
	case KindAppState:
		return s.Owner, KindAppState, s.App
	case KindTable:
		return s.App, KindTable, joinPath(s.Path)
	case KindExternal:
		return s.App, KindExternal, joinPath(s.Path)
	default:
		return "", KindMetadata, "metadata"
	}
}

// escapeComponent percent-encodes every byte outside [A-Za-z0-9_-], so a
// component can never collide with the "." separators of the key.
func escapeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// escapePath percent-encodes each element so embedded slashes cannot
// collide with the element separator.
func escapePath(path []string) string {
	escaped := make([]string, len(path))
	for i, p := range path {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

type managed struct {
	res  Resource
	refs int
}

// Manager is the resource registry: one live instance per canonical key,
// ref-counted from acquisition to release. Numeric ids are assigned once
// and never reused during a server run.
type Manager struct {
	store   docstore.Store
	sources *extdata.Registry
	cache   *extdata.Cache
	logger  zerolog.Logger

	mu      sync.Mutex
	nextID  int64
	entries map[string]*managed
}

// NewManager builds an empty registry. sources and cache may be nil when
// no external data sources are configured.
func NewManager(store docstore.Store, sources *extdata.Registry, cache *extdata.Cache, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		sources: sources,
		cache:   cache,
		logger:  logger,
		nextID:  1,
		entries: make(map[string]*managed),
	}
}

// Acquire returns the live instance for the spec, constructing and
// starting it on first acquisition. Every Acquire must be paired with a
// Release.
func (m *Manager) Acquire(spec Spec) (Resource, error) {
	key, err := spec.Key()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		e.refs++
		return e.res, nil
	}

	id := m.nextID
	res, err := m.construct(spec, key, id)
	if err != nil {
		return nil, err
	}
	m.nextID++
	m.entries[key] = &managed{res: res, refs: 1}
	metrics.ResourcesActive.WithLabelValues(spec.Type).Inc()
	m.logger.Debug().Str("resource", key).Int64("resource_id", id).Msg("Resource created")
	res.start()
	return res, nil
}

// Release drops one reference. The last release removes the instance and
// stops its goroutine; for external resources this also lets go of the
// shared backend client.
func (m *Manager) Release(res Resource) {
	if res == nil {
		return
	}
	m.mu.Lock()
	e, ok := m.entries[res.Key()]
	if !ok || e.res != res {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, res.Key())
	m.mu.Unlock()

	metrics.ResourcesActive.WithLabelValues(res.Kind()).Dec()
	m.logger.Debug().Str("resource", res.Key()).Msg("Resource purged")
	res.stop()
}

func (m *Manager) construct(spec Spec, key string, id int64) (Resource, error) {
	switch spec.Type {
	case KindAppState:
		return newAppState(id, key, m.store, m.logger), nil
	case KindTable:
		return newTable(id, key, m.store, m.logger), nil
	case KindMetadata:
		return newMetadata(id, key, m.store, m, m.sources, m.logger), nil
	case KindExternal:
		if m.sources == nil || m.cache == nil {
			return nil, fmt.Errorf("resource: no external data sources configured")
		}
		cfg, ok := m.sources.Lookup(spec.Path[0])
		if !ok {
			return nil, fmt.Errorf("resource: unknown external source %q", spec.Path[0])
		}
		return newExternal(id, key, m.cache, cfg, spec.Params, m.logger), nil
	}
	return nil, fmt.Errorf("resource: unknown resource type %q", spec.Type)
}

// Table implements TableRouter for the metadata resource.
func (m *Manager) Table(app string, path []string) (*Table, error) {
	res, err := m.Acquire(Spec{Type: KindTable, App: app, Path: path})
	if err != nil {
		return nil, err
	}
	table, ok := res.(*Table)
	if !ok {
		m.Release(res)
		return nil, fmt.Errorf("resource: %s is not a table", res.Key())
	}
	return table, nil
}

// ReleaseTable implements TableRouter.
func (m *Manager) ReleaseTable(t *Table) {
	m.Release(t)
}
