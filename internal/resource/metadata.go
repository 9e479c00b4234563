package resource

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/docstore"
	"github.com/statecast/statecast/internal/extdata"
	"github.com/statecast/statecast/internal/xdr"
)

// TableRouter resolves and releases table resources on behalf of the
// metadata resource, which routes embedded table data and removals to
// them. The manager implements it.
type TableRouter interface {
	Table(app string, path []string) (*Table, error)
	ReleaseTable(t *Table)
}

// Metadata is the global metadata singleton: one record per table,
// merge-on-write. Updates may embed inline table data, which is routed to
// the described table resource; reads are augmented with synthetic records
// for every configured external data source.
type Metadata struct {
	*base
	coll    docstore.Collection
	router  TableRouter
	sources *extdata.Registry // may be nil
}

func newMetadata(id int64, key string, store docstore.Store, router TableRouter, sources *extdata.Registry, logger zerolog.Logger) *Metadata {
	m := &Metadata{
		coll:    store.Collection(key),
		router:  router,
		sources: sources,
	}
	m.base = newBase(id, key, KindMetadata, metadataCodec{}, false, m, logger)
	return m
}

func (m *Metadata) load(ctx context.Context) (int64, error) {
	docs, err := m.coll.All(ctx)
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

func (m *Metadata) getAll(ctx context.Context, fromRevision int64) ([]Update, error) {
	docs, err := m.coll.All(ctx)
	if err != nil {
		return nil, err
	}
	persisted := make(map[string]struct{}, len(docs))
	updates := make([]Update, 0, len(docs))
	for _, doc := range docs {
		persisted[doc.ID()] = struct{}{}
		revision := doc.Revision()
		if revision <= fromRevision {
			continue
		}
		update := Update{
			Ident:     doc.ID(),
			Revision:  revision,
			Timestamp: timestampOf(doc),
		}
		if value, ok := doc["value"].(map[string]interface{}); ok {
			update.Value = value
		} else {
			update.Deleted = true
		}
		updates = append(updates, update)
	}

	// External sources surface as synthetic records at revision 0: a
	// full read discovers them, an incremental one already has them.
	if m.sources != nil && fromRevision < 0 {
		for _, src := range m.sources.Sources() {
			if _, shadowed := persisted[src.ID]; shadowed {
				continue
			}
			updates = append(updates, Update{
				Ident: src.ID,
				Value: src.MetadataEntry(),
			})
		}
	}
	sortUpdates(updates)
	return updates, nil
}

func (m *Metadata) applyWrite(ctx context.Context, elements map[string]WriteElement, revision int64, timestamp string) ([]Update, map[string]interface{}, error) {
	updates := make([]Update, 0, len(elements))
	info := make(map[string]interface{})

	for _, tableID := range sortedIdents(elements) {
		element := elements[tableID]

		if flag, _ := element.Meta["remove"].(bool); flag {
			update, err := m.removeTable(ctx, tableID, element, revision, timestamp)
			if err != nil {
				return nil, nil, err
			}
			updates = append(updates, update)
			continue
		}

		merged, err := m.mergeRecord(ctx, tableID, element)
		if err != nil {
			return nil, nil, err
		}

		if data, ok := element.Meta["data"].([]interface{}); ok {
			if err := m.routeTableData(tableID, element, data); err != nil {
				return nil, nil, err
			}
		}

		doc := docstore.Doc{
			"_id":           tableID,
			"_revision":     revision,
			"_revTimeStamp": timestamp,
			"value":         merged,
		}
		if err := m.coll.Put(ctx, doc); err != nil {
			return nil, nil, err
		}
		if tempID, ok := element.Meta["tempId"].(string); ok && tempID != "" {
			info[tempID] = tableID
		}
		updates = append(updates, Update{
			Ident:     tableID,
			Value:     merged,
			Revision:  revision,
			Timestamp: timestamp,
		})
	}

	if len(info) == 0 {
		info = nil
	}
	return updates, info, nil
}

// mergeRecord layers the update's fields over the existing record. An
// unknown table id is an insertion.
func (m *Metadata) mergeRecord(ctx context.Context, tableID string, element WriteElement) (map[string]interface{}, error) {
	fields, ok := element.Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("resource: metadata record %q is not an object", tableID)
	}

	merged := make(map[string]interface{})
	existing, err := m.coll.Get(ctx, tableID)
	if err == nil {
		if old, ok := existing["value"].(map[string]interface{}); ok {
			for k, v := range old {
				merged[k] = v
			}
		}
	} else if err != docstore.ErrNotFound {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged, nil
}

// routeTableData forwards embedded table records to the table resource
// and waits for its commit; the metadata write fails when the table write
// does.
func (m *Metadata) routeTableData(tableID string, element WriteElement, data []interface{}) error {
	table, err := m.router.Table(m.appOf(element), []string{tableID})
	if err != nil {
		return fmt.Errorf("resource: metadata %s: %w", tableID, err)
	}
	defer m.router.ReleaseTable(table)

	records := make(map[string]WriteElement, len(data))
	codec := tableCodec{}
	for i, raw := range data {
		recordIdent, record, err := codec.DecodeElement(raw, nil)
		if err != nil {
			return fmt.Errorf("resource: metadata %s data record %d: %w", tableID, i, err)
		}
		records[recordIdent] = record
	}

	done := make(chan WriteAck, 1)
	table.Write(-1, records, func(ack WriteAck) { done <- ack })
	ack := <-done
	if ack.Err != nil {
		return fmt.Errorf("resource: metadata %s table write: %w", tableID, ack.Err)
	}
	return nil
}

// removeTable drops the described table and marks the metadata record
// with a tombstone at the new revision.
func (m *Metadata) removeTable(ctx context.Context, tableID string, element WriteElement, revision int64, timestamp string) (Update, error) {
	table, err := m.router.Table(m.appOf(element), []string{tableID})
	if err != nil {
		return Update{}, fmt.Errorf("resource: metadata %s: %w", tableID, err)
	}
	defer m.router.ReleaseTable(table)

	done := make(chan error, 1)
	table.RemoveTable(func(_ int64, err error) { done <- err })
	if err := <-done; err != nil {
		return Update{}, fmt.Errorf("resource: metadata %s remove: %w", tableID, err)
	}

	doc := docstore.Doc{
		"_id":           tableID,
		"_revision":     revision,
		"_revTimeStamp": timestamp,
	}
	if err := m.coll.Put(ctx, doc); err != nil {
		return Update{}, err
	}
	return Update{Ident: tableID, Deleted: true, Revision: revision, Timestamp: timestamp}, nil
}

// appOf picks the table app scope named by the update, falling back to
// the default scope.
func (m *Metadata) appOf(element WriteElement) string {
	if fields, ok := element.Value.(map[string]interface{}); ok {
		if app, ok := fields["app"].(string); ok && app != "" {
			return app
		}
	}
	return "default"
}

// metadataCodec marshals metadata elements. A record without an id is an
// insertion: a fresh table id is allocated at decode time and echoed to
// the writer through the ack info, keyed by the client's temporary id.
type metadataCodec struct{}

func (metadataCodec) DecodeElement(raw interface{}, ch xdr.Channel) (string, WriteElement, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return "", WriteElement{}, fmt.Errorf("resource: metadata element is not an object: %T", raw)
	}

	tableID, _ := obj["id"].(string)
	if tableID == "" {
		tableID = uuid.NewString()
	}

	meta := make(map[string]interface{})
	if tempID, ok := obj["tempId"].(string); ok && tempID != "" {
		meta["tempId"] = tempID
	}

	fields, _ := obj["value"].(map[string]interface{})
	value := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		value[k] = v
	}
	if data, ok := value["data"]; ok {
		meta["data"] = data
		delete(value, "data")
	}
	if flag, _ := value["remove"].(bool); flag {
		meta["remove"] = true
		delete(value, "remove")
	}

	return tableID, WriteElement{Value: value, Meta: meta}, nil
}

func (metadataCodec) EncodeUpdate(u Update, ch xdr.Channel) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"id":           u.Ident,
		"revision":     u.Revision,
		"revTimeStamp": u.Timestamp,
	}
	if u.Deleted {
		out["remove"] = true
		return out, nil
	}
	out["value"] = u.Value
	return out, nil
}
