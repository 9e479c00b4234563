package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelStore keeps every collection in one LevelDB database. Keys are the
// collection name and the document id joined by a zero byte, which sorts
// documents of one collection contiguously and in id order.
type levelStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) an embedded database at path.
func OpenLevelDB(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("docstore: open leveldb at %s: %w", path, err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) Collection(name string) Collection {
	return &levelCollection{db: s.db, name: name}
}

func (s *levelStore) DropCollection(ctx context.Context, name string) error {
	return (&levelCollection{db: s.db, name: name}).Clear(ctx)
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

type levelCollection struct {
	db   *leveldb.DB
	name string
}

func (c *levelCollection) Name() string { return c.name }

func (c *levelCollection) key(id string) []byte {
	k := make([]byte, 0, len(c.name)+1+len(id))
	k = append(k, c.name...)
	k = append(k, 0)
	k = append(k, id...)
	return k
}

func (c *levelCollection) prefix() []byte {
	return c.key("")
}

func (c *levelCollection) Get(ctx context.Context, id string) (Doc, error) {
	raw, err := c.db.Get(c.key(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", c.name, id, err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("docstore: decode %s/%s: %w", c.name, id, err)
	}
	return doc, nil
}

func (c *levelCollection) Put(ctx context.Context, doc Doc) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("docstore: put into %s: document has no _id", c.name)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", c.name, id, err)
	}
	if err := c.db.Put(c.key(id), raw, nil); err != nil {
		return fmt.Errorf("docstore: put %s/%s: %w", c.name, id, err)
	}
	return nil
}

func (c *levelCollection) Delete(ctx context.Context, id string) error {
	if err := c.db.Delete(c.key(id), nil); err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", c.name, id, err)
	}
	return nil
}

func (c *levelCollection) All(ctx context.Context) ([]Doc, error) {
	iter := c.db.NewIterator(util.BytesPrefix(c.prefix()), nil)
	defer iter.Release()

	var docs []Doc
	for iter.Next() {
		var doc Doc
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			return nil, fmt.Errorf("docstore: decode %s/%s: %w", c.name, string(iter.Key()), err)
		}
		docs = append(docs, doc)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("docstore: iterate %s: %w", c.name, err)
	}
	return docs, nil
}

func (c *levelCollection) Clear(ctx context.Context) error {
	iter := c.db.NewIterator(util.BytesPrefix(c.prefix()), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("docstore: clear %s: %w", c.name, err)
	}
	if err := c.db.Write(batch, nil); err != nil {
		return fmt.Errorf("docstore: clear %s: %w", c.name, err)
	}
	return nil
}
