package ident

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/statecast/statecast/internal/docstore"
)

// Registry is the persistent allocator of template and index ids for one
// application-state resource. Entries are deduplicated by value: obtaining
// an entry that already exists returns its id instead of allocating a new
// one. Ids are never deleted or reused.
//
// A Registry is shared by every connection subscribed to its resource, so
// all access is serialised by an internal mutex.
type Registry struct {
	mu sync.Mutex

	templates     map[int64]TemplateEntry
	indices       map[int64]IndexEntry
	templateByKey map[string]int64
	indexByKey    map[string]int64

	nextTemplateID int64
	nextIndexID    int64

	templateColl docstore.Collection
	indexColl    docstore.Collection
}

// NewRegistry creates a registry over the given backing collections. Either
// collection may be nil for a purely in-memory registry.
func NewRegistry(templates, indices docstore.Collection) *Registry {
	r := &Registry{
		templates:      map[int64]TemplateEntry{RootID: {}},
		indices:        map[int64]IndexEntry{RootID: {}},
		templateByKey:  make(map[string]int64),
		indexByKey:     make(map[string]int64),
		nextTemplateID: RootID + 1,
		nextIndexID:    RootID + 1,
		templateColl:   templates,
		indexColl:      indices,
	}
	return r
}

// Load reads both backing collections in full. It must complete before the
// owning resource becomes ready.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.templateColl != nil {
		docs, err := r.templateColl.All(ctx)
		if err != nil {
			return fmt.Errorf("ident: load templates: %w", err)
		}
		for _, doc := range docs {
			id, entry, err := templateFromDoc(doc)
			if err != nil {
				return err
			}
			r.templates[id] = entry
			r.templateByKey[entry.key()] = id
			if id >= r.nextTemplateID {
				r.nextTemplateID = id + 1
			}
		}
	}

	if r.indexColl != nil {
		docs, err := r.indexColl.All(ctx)
		if err != nil {
			return fmt.Errorf("ident: load indices: %w", err)
		}
		for _, doc := range docs {
			id, entry, err := indexFromDoc(doc)
			if err != nil {
				return err
			}
			r.indices[id] = entry
			r.indexByKey[entry.key()] = id
			if id >= r.nextIndexID {
				r.nextIndexID = id + 1
			}
		}
	}
	return nil
}

// Template looks up a template entry by id.
func (r *Registry) Template(id int64) (TemplateEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.templates[id]
	return entry, ok
}

// Index looks up an index entry by id.
func (r *Registry) Index(id int64) (IndexEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.indices[id]
	return entry, ok
}

// ObtainTemplate returns the id of an existing identical entry, or allocates
// and persists a new one. The entry's dependencies must already exist.
func (r *Registry) ObtainTemplate(ctx context.Context, entry TemplateEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[entry.ParentID]; !ok {
		return 0, fmt.Errorf("ident: template parent %d does not exist", entry.ParentID)
	}
	if entry.ReferredID != 0 {
		if _, ok := r.templates[entry.ReferredID]; !ok {
			return 0, fmt.Errorf("ident: referred template %d does not exist", entry.ReferredID)
		}
	}
	if !entry.ChildType.valid() {
		return 0, fmt.Errorf("ident: invalid child type %q", entry.ChildType)
	}

	if id, ok := r.templateByKey[entry.key()]; ok {
		return id, nil
	}

	id := r.nextTemplateID
	if r.templateColl != nil {
		if err := r.templateColl.Put(ctx, templateToDoc(id, entry)); err != nil {
			return 0, err
		}
	}
	r.nextTemplateID++
	r.templates[id] = entry
	r.templateByKey[entry.key()] = id
	return id, nil
}

// ObtainIndex returns the id of an existing identical entry, or allocates
// and persists a new one. The entry's dependencies must already exist.
func (r *Registry) ObtainIndex(ctx context.Context, entry IndexEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.indices[entry.PrefixID]; !ok {
		return 0, fmt.Errorf("ident: index prefix %d does not exist", entry.PrefixID)
	}
	if entry.Compose != 0 {
		if _, ok := r.indices[entry.Compose]; !ok {
			return 0, fmt.Errorf("ident: composed index %d does not exist", entry.Compose)
		}
	}

	if id, ok := r.indexByKey[entry.key()]; ok {
		return id, nil
	}

	id := r.nextIndexID
	if r.indexColl != nil {
		if err := r.indexColl.Put(ctx, indexToDoc(id, entry)); err != nil {
			return 0, err
		}
	}
	r.nextIndexID++
	r.indices[id] = entry
	r.indexByKey[entry.key()] = id
	return id, nil
}

func templateToDoc(id int64, entry TemplateEntry) docstore.Doc {
	value := map[string]interface{}{
		"parentId":  entry.ParentID,
		"childType": string(entry.ChildType),
		"childName": entry.ChildName,
	}
	if entry.ReferredID != 0 {
		value["referredId"] = entry.ReferredID
	}
	return docstore.Doc{"_id": strconv.FormatInt(id, 10), "value": value}
}

func templateFromDoc(doc docstore.Doc) (int64, TemplateEntry, error) {
	id, err := strconv.ParseInt(doc.ID(), 10, 64)
	if err != nil {
		return 0, TemplateEntry{}, fmt.Errorf("ident: template doc id %q: %w", doc.ID(), err)
	}
	value, ok := doc["value"].(map[string]interface{})
	if !ok {
		return 0, TemplateEntry{}, fmt.Errorf("ident: template %d has no value", id)
	}
	parent, err := wireID(value["parentId"])
	if err != nil {
		return 0, TemplateEntry{}, fmt.Errorf("ident: template %d parent: %w", id, err)
	}
	childType, _ := value["childType"].(string)
	childName, _ := value["childName"].(string)
	entry := TemplateEntry{
		ParentID:  parent,
		ChildType: ChildType(childType),
		ChildName: childName,
	}
	if rawReferred, ok := value["referredId"]; ok {
		referred, err := wireID(rawReferred)
		if err != nil {
			return 0, TemplateEntry{}, fmt.Errorf("ident: template %d referred: %w", id, err)
		}
		entry.ReferredID = referred
	}
	return id, entry, nil
}

func indexToDoc(id int64, entry IndexEntry) docstore.Doc {
	value := map[string]interface{}{"prefixId": entry.PrefixID}
	if entry.Compose != 0 {
		value["compose"] = entry.Compose
	} else {
		value["append"] = entry.Append
	}
	return docstore.Doc{"_id": strconv.FormatInt(id, 10), "value": value}
}

func indexFromDoc(doc docstore.Doc) (int64, IndexEntry, error) {
	id, err := strconv.ParseInt(doc.ID(), 10, 64)
	if err != nil {
		return 0, IndexEntry{}, fmt.Errorf("ident: index doc id %q: %w", doc.ID(), err)
	}
	value, ok := doc["value"].(map[string]interface{})
	if !ok {
		return 0, IndexEntry{}, fmt.Errorf("ident: index %d has no value", id)
	}
	prefix, err := wireID(value["prefixId"])
	if err != nil {
		return 0, IndexEntry{}, fmt.Errorf("ident: index %d prefix: %w", id, err)
	}
	entry := IndexEntry{PrefixID: prefix}
	if rawCompose, ok := value["compose"]; ok {
		compose, err := wireID(rawCompose)
		if err != nil {
			return 0, IndexEntry{}, fmt.Errorf("ident: index %d compose: %w", id, err)
		}
		entry.Compose = compose
	} else {
		entry.Append, _ = value["append"].(string)
	}
	return id, entry, nil
}
