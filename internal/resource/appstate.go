package resource

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/docstore"
	"github.com/statecast/statecast/internal/ident"
	"github.com/statecast/statecast/internal/xdr"
)

// AppState is the application-state family: elements keyed by the
// composite `templateId:indexId:path` ident, persisted as marshalled xdr
// values with tombstones for deletions. It owns the persistent identifier
// registry for its owner/app pair; the registry must be fully loaded
// before any element operation runs.
type AppState struct {
	*base
	data     docstore.Collection
	registry *ident.Registry
}

func newAppState(id int64, key string, store docstore.Store, logger zerolog.Logger) *AppState {
	a := &AppState{
		data: store.Collection(key),
		registry: ident.NewRegistry(
			store.Collection(key+".templates"),
			store.Collection(key+".indices"),
		),
	}
	a.base = newBase(id, key, KindAppState, appStateCodec{}, false, a, logger)
	return a
}

// Registry exposes the identifier allocator so each connection can build
// its remapping channel over it.
func (a *AppState) Registry() *ident.Registry {
	return a.registry
}

func (a *AppState) load(ctx context.Context) (int64, error) {
	if err := a.registry.Load(ctx); err != nil {
		return 0, err
	}
	docs, err := a.data.All(ctx)
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

func (a *AppState) getAll(ctx context.Context, fromRevision int64) ([]Update, error) {
	docs, err := a.data.All(ctx)
	if err != nil {
		return nil, err
	}
	updates := make([]Update, 0, len(docs))
	for _, doc := range docs {
		revision := doc.Revision()
		if revision <= fromRevision {
			continue
		}
		update := Update{
			Ident:     doc.ID(),
			Revision:  revision,
			Timestamp: timestampOf(doc),
		}
		wrapper, hasValue := doc["value"].(map[string]interface{})
		if !hasValue {
			update.Deleted = true
		} else {
			value, err := xdr.Unmarshal(wrapper["value"], nil)
			if err != nil {
				return nil, fmt.Errorf("resource: element %s: %w", doc.ID(), err)
			}
			update.Value = value
		}
		updates = append(updates, update)
	}
	sortUpdates(updates)
	return updates, nil
}

func (a *AppState) applyWrite(ctx context.Context, elements map[string]WriteElement, revision int64, timestamp string) ([]Update, map[string]interface{}, error) {
	updates := make([]Update, 0, len(elements))
	for _, elemIdent := range sortedIdents(elements) {
		element := elements[elemIdent]
		doc := docstore.Doc{
			"_id":           elemIdent,
			"_revision":     revision,
			"_revTimeStamp": timestamp,
		}
		update := Update{Ident: elemIdent, Revision: revision, Timestamp: timestamp}

		if element.Delete {
			update.Deleted = true
		} else {
			value, ok := element.Value.(xdr.Value)
			if !ok {
				return nil, nil, fmt.Errorf("resource: element %s carries no value", elemIdent)
			}
			marshalled, err := xdr.Marshal(value, nil)
			if err != nil {
				return nil, nil, fmt.Errorf("resource: element %s: %w", elemIdent, err)
			}
			doc["value"] = map[string]interface{}{"ident": elemIdent, "value": marshalled}
			update.Value = value
		}

		if err := a.data.Put(ctx, doc); err != nil {
			return nil, nil, err
		}
		updates = append(updates, update)
	}
	return updates, nil, nil
}

func timestampOf(doc docstore.Doc) string {
	ts, _ := doc["_revTimeStamp"].(string)
	return ts
}

// stateIdent builds the composite element key.
func stateIdent(templateID, indexID int64, path string) string {
	return strconv.FormatInt(templateID, 10) + ":" + strconv.FormatInt(indexID, 10) + ":" + path
}

// parseStateIdent splits a composite key. The path part may itself
// contain colons.
func parseStateIdent(s string) (templateID, indexID int64, path string, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("resource: malformed element ident %q", s)
	}
	templateID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("resource: element ident %q: %w", s, err)
	}
	indexID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("resource: element ident %q: %w", s, err)
	}
	return templateID, indexID, parts[2], nil
}

// appStateCodec marshals app-state elements. The ident's template and
// index ids live in the sender's id space and are rewritten through the
// connection's channel, as are element references inside the value.
type appStateCodec struct{}

func (appStateCodec) DecodeElement(raw interface{}, ch xdr.Channel) (string, WriteElement, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return "", WriteElement{}, fmt.Errorf("resource: element is not an object: %T", raw)
	}
	wireIdent, _ := obj["ident"].(string)
	templateID, indexID, path, err := parseStateIdent(wireIdent)
	if err != nil {
		return "", WriteElement{}, err
	}
	if ch != nil {
		if templateID, err = ch.TranslateTemplate(templateID); err != nil {
			return "", WriteElement{}, err
		}
		if indexID, err = ch.TranslateIndex(indexID); err != nil {
			return "", WriteElement{}, err
		}
	}
	localIdent := stateIdent(templateID, indexID, path)

	rawValue, hasValue := obj["value"]
	if !hasValue {
		return localIdent, WriteElement{Delete: true}, nil
	}
	value, err := xdr.Unmarshal(rawValue, ch)
	if err != nil {
		return "", WriteElement{}, fmt.Errorf("resource: element %s: %w", localIdent, err)
	}
	if xdr.IsDelete(value) {
		return localIdent, WriteElement{Delete: true}, nil
	}
	return localIdent, WriteElement{Value: value}, nil
}

func (appStateCodec) EncodeUpdate(u Update, ch xdr.Channel) (map[string]interface{}, error) {
	templateID, indexID, _, err := parseStateIdent(u.Ident)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		if err := ch.DefineTemplate(templateID); err != nil {
			return nil, err
		}
		if err := ch.DefineIndex(indexID); err != nil {
			return nil, err
		}
	}

	out := map[string]interface{}{
		"ident":        u.Ident,
		"revision":     u.Revision,
		"revTimeStamp": u.Timestamp,
	}
	if u.Deleted {
		marshalled, err := xdr.Marshal(xdr.Delete{}, ch)
		if err != nil {
			return nil, err
		}
		out["value"] = marshalled
		return out, nil
	}
	value, ok := u.Value.(xdr.Value)
	if !ok {
		return nil, fmt.Errorf("resource: update %s carries no value", u.Ident)
	}
	marshalled, err := xdr.Marshal(value, ch)
	if err != nil {
		return nil, err
	}
	out["value"] = marshalled
	return out, nil
}
