// Package ident implements the template and index identifier machinery: the
// persistent per-resource allocator (registry) and the per-connection channel
// that remaps ids between peers. Both id graphs are acyclic and rooted at the
// shared id 1; entries reference their dependencies by id, never by pointer.
package ident

import "fmt"

// RootID is the pre-seeded root of both the template and the index graph.
// It is shared between peers and never transmitted.
const RootID int64 = 1

// ChildType describes how a template node relates to its parent.
type ChildType string

const (
	ChildSingle       ChildType = "single"
	ChildSet          ChildType = "set"
	ChildIntersection ChildType = "intersection"
)

func (t ChildType) valid() bool {
	switch t {
	case ChildSingle, ChildSet, ChildIntersection:
		return true
	}
	return false
}

// TemplateEntry describes one template node. ReferredID is 0 when the
// template refers to no other template.
type TemplateEntry struct {
	ParentID   int64
	ChildType  ChildType
	ChildName  string
	ReferredID int64
}

func (e TemplateEntry) key() string {
	return fmt.Sprintf("%d|%s|%s|%d", e.ParentID, e.ChildType, e.ChildName, e.ReferredID)
}

// IndexEntry describes one index node. Exactly one of Append or Compose is
// meaningful for a non-root entry: Compose 0 selects append mode.
type IndexEntry struct {
	PrefixID int64
	Append   string
	Compose  int64
}

func (e IndexEntry) key() string {
	if e.Compose != 0 {
		return fmt.Sprintf("%d|c:%d", e.PrefixID, e.Compose)
	}
	return fmt.Sprintf("%d|a:%s", e.PrefixID, e.Append)
}

// Definition kinds on the wire.
const (
	KindTemplate = "template"
	KindIndex    = "index"
)

// Definition is one entry of a define message: an id together with its
// template or index entry, expressed in the sender's id space.
type Definition struct {
	Kind     string
	ID       int64
	Template TemplateEntry
	Index    IndexEntry
}

// MarshalWire renders the definition as a JSON-ready object.
func (d Definition) MarshalWire() map[string]interface{} {
	switch d.Kind {
	case KindTemplate:
		obj := map[string]interface{}{
			"kind":      KindTemplate,
			"id":        d.ID,
			"parentId":  d.Template.ParentID,
			"childType": string(d.Template.ChildType),
			"childName": d.Template.ChildName,
		}
		if d.Template.ReferredID != 0 {
			obj["referredId"] = d.Template.ReferredID
		}
		return obj
	case KindIndex:
		obj := map[string]interface{}{
			"kind":     KindIndex,
			"id":       d.ID,
			"prefixId": d.Index.PrefixID,
		}
		if d.Index.Compose != 0 {
			obj["compose"] = d.Index.Compose
		} else {
			obj["append"] = d.Index.Append
		}
		return obj
	}
	return nil
}

// ParseDefinition decodes one define-list entry.
func ParseDefinition(raw interface{}) (Definition, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return Definition{}, fmt.Errorf("ident: definition is not an object: %T", raw)
	}
	kind, _ := obj["kind"].(string)
	id, err := wireID(obj["id"])
	if err != nil {
		return Definition{}, fmt.Errorf("ident: definition id: %w", err)
	}
	if id <= RootID {
		return Definition{}, fmt.Errorf("ident: definition id %d is reserved", id)
	}

	switch kind {
	case KindTemplate:
		parent, err := wireID(obj["parentId"])
		if err != nil {
			return Definition{}, fmt.Errorf("ident: template %d parent: %w", id, err)
		}
		childType, _ := obj["childType"].(string)
		if !ChildType(childType).valid() {
			return Definition{}, fmt.Errorf("ident: template %d has child type %q", id, childType)
		}
		childName, _ := obj["childName"].(string)
		def := Definition{
			Kind: KindTemplate,
			ID:   id,
			Template: TemplateEntry{
				ParentID:  parent,
				ChildType: ChildType(childType),
				ChildName: childName,
			},
		}
		if rawReferred, ok := obj["referredId"]; ok {
			referred, err := wireID(rawReferred)
			if err != nil {
				return Definition{}, fmt.Errorf("ident: template %d referred: %w", id, err)
			}
			def.Template.ReferredID = referred
		}
		return def, nil

	case KindIndex:
		prefix, err := wireID(obj["prefixId"])
		if err != nil {
			return Definition{}, fmt.Errorf("ident: index %d prefix: %w", id, err)
		}
		def := Definition{
			Kind:  KindIndex,
			ID:    id,
			Index: IndexEntry{PrefixID: prefix},
		}
		rawCompose, hasCompose := obj["compose"]
		rawAppend, hasAppend := obj["append"]
		switch {
		case hasCompose && hasAppend:
			return Definition{}, fmt.Errorf("ident: index %d has both append and compose", id)
		case hasCompose:
			compose, err := wireID(rawCompose)
			if err != nil {
				return Definition{}, fmt.Errorf("ident: index %d compose: %w", id, err)
			}
			def.Index.Compose = compose
		case hasAppend:
			s, ok := rawAppend.(string)
			if !ok {
				return Definition{}, fmt.Errorf("ident: index %d append is not text", id)
			}
			def.Index.Append = s
		default:
			return Definition{}, fmt.Errorf("ident: index %d has neither append nor compose", id)
		}
		return def, nil
	}
	return Definition{}, fmt.Errorf("ident: unknown definition kind %q", kind)
}

func wireID(raw interface{}) (int64, error) {
	switch t := raw.(type) {
	case float64:
		return int64(t), nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("expected a numeric id, got %T", raw)
	}
}
