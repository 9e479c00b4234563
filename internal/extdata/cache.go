package extdata

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/logging"
	"github.com/statecast/statecast/internal/metrics"
)

// GetFunc receives a query result or the error the query produced. The
// error is sticky: every request on a failed client observes it until the
// client is released.
type GetFunc func(data *Data, err error)

// Client is one shared query: a source, its parameter values, and the
// result once the query finished. Requests arriving before the result is
// in are queued and served in order.
type Client struct {
	key   string
	cfg   SourceConfig
	cache *Cache

	refs int // guarded by cache.mu

	cancel context.CancelFunc

	mu        sync.Mutex
	ready     bool
	destroyed bool
	data      *Data
	err       error
	waiting   []GetFunc
	source    Source
}

// Cache deduplicates clients by source id plus canonical parameter JSON.
// Acquire and Release are ref-counted; the backing source is destroyed when
// the last sharer releases.
type Cache struct {
	registry *Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewCache builds an empty cache over the registry.
func NewCache(registry *Registry, logger zerolog.Logger) *Cache {
	return &Cache{
		registry: registry,
		logger:   logging.Component(logger, "extdata"),
		clients:  make(map[string]*Client),
	}
}

func clientKey(sourceID string, params []interface{}) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte("[]")
	}
	return sourceID + "?" + string(raw)
}

// Acquire returns the shared client for (source, params), starting its
// query on first acquisition.
func (c *Cache) Acquire(cfg SourceConfig, params []interface{}) *Client {
	key := clientKey(cfg.ID, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		client.refs++
		return client
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		key:    key,
		cfg:    cfg,
		cache:  c,
		refs:   1,
		cancel: cancel,
	}
	c.clients[key] = client
	go client.run(ctx, c.registry, params)
	return client
}

// Release drops one reference. The last release removes the client and
// destroys its source.
func (c *Cache) Release(client *Client) {
	if client == nil {
		return
	}
	c.mu.Lock()
	client.refs--
	last := client.refs <= 0
	if last {
		delete(c.clients, client.key)
	}
	c.mu.Unlock()

	if last {
		client.destroy()
	}
}

// Shared reports whether the client has more than one current sharer.
func (c *Cache) Shared(client *Client) bool {
	if client == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return client.refs > 1
}

func (cl *Client) run(ctx context.Context, registry *Registry, params []interface{}) {
	defer logging.RecoverPanic(cl.cache.logger, "extdata-query")

	source, err := registry.construct(cl.cfg, params)
	if err != nil {
		cl.finish(nil, err)
		return
	}

	cl.mu.Lock()
	if cl.destroyed {
		cl.mu.Unlock()
		source.Destroy()
		return
	}
	cl.source = source
	cl.mu.Unlock()

	timer := prometheus.NewTimer(metrics.ExternalQueryDuration.WithLabelValues(cl.cfg.Name))
	data, err := source.Run(ctx)
	timer.ObserveDuration()
	if err != nil {
		metrics.ExternalQueryErrors.WithLabelValues(cl.cfg.Name).Inc()
		cl.cache.logger.Error().Err(err).Str("source", cl.cfg.ID).Msg("External query failed")
	}
	cl.finish(data, err)
}

func (cl *Client) finish(data *Data, err error) {
	cl.mu.Lock()
	cl.ready = true
	cl.data = data
	cl.err = err
	waiting := cl.waiting
	cl.waiting = nil
	cl.mu.Unlock()

	for _, cb := range waiting {
		cb(data, err)
	}
}

// Get delivers the result, immediately when the query is done, queued
// otherwise. Queued callbacks fire in arrival order.
func (cl *Client) Get(cb GetFunc) {
	cl.mu.Lock()
	if !cl.ready {
		cl.waiting = append(cl.waiting, cb)
		cl.mu.Unlock()
		return
	}
	data, err := cl.data, cl.err
	cl.mu.Unlock()
	cb(data, err)
}

// Config returns the source this client queries.
func (cl *Client) Config() SourceConfig {
	return cl.cfg
}

func (cl *Client) destroy() {
	cl.cancel()
	cl.mu.Lock()
	cl.destroyed = true
	source := cl.source
	cl.source = nil
	cl.mu.Unlock()
	if source != nil {
		source.Destroy()
	}
}
