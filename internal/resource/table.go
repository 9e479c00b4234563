package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/docstore"
	"github.com/statecast/statecast/internal/xdr"
)

// Table is the table family: one logical table per resource, stored as a
// mapping record at the empty path plus one record per column path. A
// write replaces the whole table under a single revision. Writers see
// their own bulk replacements, so fan-out includes the originator.
type Table struct {
	*base
	store docstore.Store
	coll  docstore.Collection
}

func newTable(id int64, key string, store docstore.Store, logger zerolog.Logger) *Table {
	t := &Table{
		store: store,
		coll:  store.Collection(key),
	}
	t.base = newBase(id, key, KindTable, tableCodec{}, true, t, logger)
	return t
}

func (t *Table) load(ctx context.Context) (int64, error) {
	docs, err := t.coll.All(ctx)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, doc := range docs {
		if rev := doc.Revision(); rev > last {
			last = rev
		}
	}
	return last, nil
}

func (t *Table) getAll(ctx context.Context, fromRevision int64) ([]Update, error) {
	docs, err := t.coll.All(ctx)
	if err != nil {
		return nil, err
	}
	updates := make([]Update, 0, len(docs))
	for _, doc := range docs {
		revision := doc.Revision()
		if revision <= fromRevision {
			continue
		}
		path, err := pathOf(doc["path"])
		if err != nil {
			return nil, fmt.Errorf("resource: table record %s: %w", doc.ID(), err)
		}
		updates = append(updates, Update{
			Ident:     joinPath(path),
			Value:     tableContent(doc),
			Revision:  revision,
			Timestamp: timestampOf(doc),
		})
	}
	sortUpdates(updates)
	return updates, nil
}

// applyWrite replaces the table: every old record is dropped, then the
// mapping and the columns are inserted in order under the new revision.
func (t *Table) applyWrite(ctx context.Context, elements map[string]WriteElement, revision int64, timestamp string) ([]Update, map[string]interface{}, error) {
	if err := t.coll.Clear(ctx); err != nil {
		return nil, nil, err
	}
	updates := make([]Update, 0, len(elements))
	for _, elemIdent := range sortedIdents(elements) {
		element := elements[elemIdent]
		content, ok := element.Value.(map[string]interface{})
		if !ok || element.Delete {
			return nil, nil, fmt.Errorf("resource: table record %q is not an object", elemIdent)
		}
		doc := docstore.Doc{
			"_id":           tableDocID(elemIdent),
			"_revision":     revision,
			"_revTimeStamp": timestamp,
		}
		for k, v := range content {
			doc[k] = v
		}
		if _, ok := doc["path"]; !ok {
			doc["path"] = splitPath(elemIdent)
		}
		if err := t.coll.Put(ctx, doc); err != nil {
			return nil, nil, err
		}
		updates = append(updates, Update{
			Ident:     elemIdent,
			Value:     tableContent(doc),
			Revision:  revision,
			Timestamp: timestamp,
		})
	}
	return updates, nil, nil
}

// RemoveTable drops the backing collection and tells every subscriber the
// table is now empty.
func (t *Table) RemoveTable(cb func(revision int64, err error)) {
	t.enqueue("removeTable", func(ctx context.Context) {
		if err := t.store.DropCollection(ctx, t.coll.Name()); err != nil {
			cb(0, err)
			return
		}
		t.lastRevision++
		revision := t.lastRevision
		cb(revision, nil)
		t.notify(-1, nil, revision)
	})
}

// tableContent strips the persistence bookkeeping fields from a record.
func tableContent(doc docstore.Doc) map[string]interface{} {
	content := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		switch k {
		case "_id", "_revision", "_revTimeStamp":
		default:
			content[k] = v
		}
	}
	return content
}

func tableDocID(elemIdent string) string {
	if elemIdent == "" {
		return "mapping"
	}
	return "col." + elemIdent
}

func pathOf(raw interface{}) ([]string, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []interface{}:
		path := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("path element %d is not text: %T", i, e)
			}
			path[i] = s
		}
		return path, nil
	default:
		return nil, fmt.Errorf("path is not a list: %T", raw)
	}
}

func joinPath(path []string) string {
	return strings.Join(path, "/")
}

func splitPath(elemIdent string) []interface{} {
	if elemIdent == "" {
		return []interface{}{}
	}
	parts := strings.Split(elemIdent, "/")
	path := make([]interface{}, len(parts))
	for i, p := range parts {
		path[i] = p
	}
	return path
}

// tableCodec passes table records through as plain JSON. Records are
// identified by their path; no identifier ids occur in table values.
type tableCodec struct{}

func (tableCodec) DecodeElement(raw interface{}, ch xdr.Channel) (string, WriteElement, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return "", WriteElement{}, fmt.Errorf("resource: table record is not an object: %T", raw)
	}
	path, err := pathOf(obj["path"])
	if err != nil {
		return "", WriteElement{}, fmt.Errorf("resource: table record: %w", err)
	}
	return joinPath(path), WriteElement{Value: obj}, nil
}

func (tableCodec) EncodeUpdate(u Update, ch xdr.Channel) (map[string]interface{}, error) {
	content, ok := u.Value.(map[string]interface{})
	if !ok && !u.Deleted {
		return nil, fmt.Errorf("resource: table update %q is not an object", u.Ident)
	}
	out := make(map[string]interface{}, len(content)+2)
	for k, v := range content {
		out[k] = v
	}
	if _, ok := out["path"]; !ok {
		out["path"] = splitPath(u.Ident)
	}
	out["revision"] = u.Revision
	out["revTimeStamp"] = u.Timestamp
	return out, nil
}
