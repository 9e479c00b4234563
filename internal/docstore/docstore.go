// Package docstore provides the document persistence layer. Resources see an
// ordered collection of JSON documents keyed by "_id"; the backing store is
// either an embedded LevelDB database or a MongoDB deployment, selected by
// configuration.
package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Doc is a decoded JSON document. Every stored document carries its key in
// the "_id" field.
type Doc map[string]interface{}

// ID returns the document key, or the empty string when unset.
func (d Doc) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Revision returns the document's "_revision" field.
func (d Doc) Revision() int64 {
	switch v := d["_revision"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// ErrNotFound is returned by Collection.Get for a missing document.
var ErrNotFound = errors.New("docstore: document not found")

// Store is a namespace of named collections.
type Store interface {
	// Collection returns a handle for the named collection. Collections
	// spring into existence on first write.
	Collection(name string) Collection

	// DropCollection removes a collection and all its documents.
	DropCollection(ctx context.Context, name string) error

	Close() error
}

// Collection holds documents keyed by "_id". Implementations serialise
// individual operations; no cross-collection transaction is assumed.
type Collection interface {
	Name() string

	// Get fetches a document by key. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (Doc, error)

	// Put upserts a document. The document must carry an "_id".
	Put(ctx context.Context, doc Doc) error

	// Delete removes a document by key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, id string) error

	// All returns every document in the collection in key order.
	All(ctx context.Context) ([]Doc, error)

	// Clear removes every document while keeping the collection.
	Clear(ctx context.Context) error
}

// Config selects and parametrises a backend.
type Config struct {
	Backend  string // "leveldb" or "mongo"
	Path     string // leveldb: directory for the database files
	MongoURI string // mongo: connection string
	DBName   string // mongo: database name
}

// Open constructs the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "leveldb":
		return OpenLevelDB(cfg.Path)
	case "mongo":
		return OpenMongo(ctx, cfg.MongoURI, cfg.DBName)
	default:
		return nil, fmt.Errorf("docstore: unknown backend %q", cfg.Backend)
	}
}
