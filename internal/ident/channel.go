package ident

import (
	"context"
	"fmt"
)

// Channel tracks which ids have been established with one peer over one
// connection. Outgoing ids are queued as definitions in dependency order
// before any message that uses them; incoming peer ids are translated into
// the local registry, allocating entries on demand.
//
// A Channel belongs to exactly one connection and is never shared, so it
// needs no locking. Reset is invoked on reconnect.
type Channel struct {
	reg *Registry

	definedTemplates map[int64]struct{}
	definedIndices   map[int64]struct{}

	remoteTemplates map[int64]int64
	remoteIndices   map[int64]int64

	pending []Definition
}

// NewChannel creates a channel over the resource's registry. The shared
// root id is pre-seeded in every map.
func NewChannel(reg *Registry) *Channel {
	c := &Channel{reg: reg}
	c.Reset()
	return c
}

// Reset drops all per-connection state so both sides re-establish their
// definitions from scratch.
func (c *Channel) Reset() {
	c.definedTemplates = map[int64]struct{}{RootID: {}}
	c.definedIndices = map[int64]struct{}{RootID: {}}
	c.remoteTemplates = map[int64]int64{RootID: RootID}
	c.remoteIndices = map[int64]int64{RootID: RootID}
	c.pending = nil
}

// DefineTemplate queues a definition for the given local template id and,
// recursively, for every undefined dependency. Dependencies are queued
// before their dependents. Already-defined ids are a no-op.
func (c *Channel) DefineTemplate(id int64) error {
	if _, ok := c.definedTemplates[id]; ok {
		return nil
	}
	entry, ok := c.reg.Template(id)
	if !ok {
		return fmt.Errorf("ident: template %d is not registered", id)
	}
	if err := c.DefineTemplate(entry.ParentID); err != nil {
		return err
	}
	if entry.ReferredID != 0 {
		if err := c.DefineTemplate(entry.ReferredID); err != nil {
			return err
		}
	}
	c.definedTemplates[id] = struct{}{}
	c.pending = append(c.pending, Definition{Kind: KindTemplate, ID: id, Template: entry})
	return nil
}

// DefineIndex queues a definition for the given local index id and its
// undefined dependencies, dependencies first.
func (c *Channel) DefineIndex(id int64) error {
	if _, ok := c.definedIndices[id]; ok {
		return nil
	}
	entry, ok := c.reg.Index(id)
	if !ok {
		return fmt.Errorf("ident: index %d is not registered", id)
	}
	if err := c.DefineIndex(entry.PrefixID); err != nil {
		return err
	}
	if entry.Compose != 0 {
		if err := c.DefineIndex(entry.Compose); err != nil {
			return err
		}
	}
	c.definedIndices[id] = struct{}{}
	c.pending = append(c.pending, Definition{Kind: KindIndex, ID: id, Index: entry})
	return nil
}

// TakePending returns the queued definitions in topological order and
// clears the queue. The caller must transmit them before the message whose
// marshalling queued them.
func (c *Channel) TakePending() []Definition {
	pending := c.pending
	c.pending = nil
	return pending
}

// HasPending reports whether definitions are waiting to be flushed.
func (c *Channel) HasPending() bool {
	return len(c.pending) > 0
}

// TranslateTemplate maps a peer template id to its local id. The peer must
// have defined the id earlier on this connection.
func (c *Channel) TranslateTemplate(peerID int64) (int64, error) {
	local, ok := c.remoteTemplates[peerID]
	if !ok {
		return 0, fmt.Errorf("ident: peer template %d was never defined on this connection", peerID)
	}
	return local, nil
}

// TranslateIndex maps a peer index id to its local id.
func (c *Channel) TranslateIndex(peerID int64) (int64, error) {
	local, ok := c.remoteIndices[peerID]
	if !ok {
		return 0, fmt.Errorf("ident: peer index %d was never defined on this connection", peerID)
	}
	return local, nil
}

// AddRemoteDefinition processes one entry of an incoming define message:
// referenced peer ids are translated first, then the entry is obtained from
// the local registry, allocating and persisting it if it is new.
func (c *Channel) AddRemoteDefinition(ctx context.Context, def Definition) error {
	switch def.Kind {
	case KindTemplate:
		parent, err := c.TranslateTemplate(def.Template.ParentID)
		if err != nil {
			return err
		}
		entry := TemplateEntry{
			ParentID:  parent,
			ChildType: def.Template.ChildType,
			ChildName: def.Template.ChildName,
		}
		if def.Template.ReferredID != 0 {
			referred, err := c.TranslateTemplate(def.Template.ReferredID)
			if err != nil {
				return err
			}
			entry.ReferredID = referred
		}
		local, err := c.reg.ObtainTemplate(ctx, entry)
		if err != nil {
			return err
		}
		c.remoteTemplates[def.ID] = local
		// The peer knows this entry already; never send it back.
		c.definedTemplates[local] = struct{}{}
		return nil

	case KindIndex:
		prefix, err := c.TranslateIndex(def.Index.PrefixID)
		if err != nil {
			return err
		}
		entry := IndexEntry{PrefixID: prefix, Append: def.Index.Append}
		if def.Index.Compose != 0 {
			compose, err := c.TranslateIndex(def.Index.Compose)
			if err != nil {
				return err
			}
			entry.Compose = compose
			entry.Append = ""
		}
		local, err := c.reg.ObtainIndex(ctx, entry)
		if err != nil {
			return err
		}
		c.remoteIndices[def.ID] = local
		c.definedIndices[local] = struct{}{}
		return nil
	}
	return fmt.Errorf("ident: unknown definition kind %q", def.Kind)
}
