// Package resource implements the subscription and fan-out engine: the
// resource manager, the four resource families (application state, table,
// metadata, external) and their shared single-writer discipline. Every
// resource owns its persisted state, its subscribers and its revision
// counter; all work on one resource runs on one goroutine.
package resource

import (
	"sort"

	"github.com/statecast/statecast/internal/xdr"
)

// Resource family tags. They double as the type coordinate in
// authorization rules and in metrics labels.
const (
	KindAppState = "appState"
	KindTable    = "table"
	KindMetadata = "metadata"
	KindExternal = "external"
)

// WriteElement is one element of a write batch, keyed by its canonical
// ident in the enclosing map. Value holds an xdr value for application
// state and a plain JSON object for table and metadata elements; Delete
// marks the deletion sentinel. Meta carries family extras that do not
// belong to the persisted value (client temp ids, embedded table data,
// removal flags).
type WriteElement struct {
	Value  interface{}
	Delete bool
	Meta   map[string]interface{}
}

// Update is one element change as delivered to subscribers or returned
// from a read. Value is nil iff Deleted.
type Update struct {
	Ident     string
	Value     interface{}
	Deleted   bool
	Revision  int64
	Timestamp string
}

// WriteAck is the outcome of one write batch.
type WriteAck struct {
	Revision int64
	Info     map[string]interface{}
	Err      error
}

// SubscribeResult carries the registration and the initial element set.
// SubscriberID is valid even when Err is set; the subscription stays
// registered so the resource survives until the client releases it.
type SubscribeResult struct {
	SubscriberID int64
	Updates      []Update
	LastRevision int64
	Err          error
}

// Notifier delivers fan-out updates for one subscriber. Implementations
// marshal through their own connection's identifier channel. A notifier
// must not call back into the resource.
type Notifier interface {
	NotifyUpdate(updates []Update, revision int64) error
}

// Codec translates between wire elements and (ident, WriteElement) pairs
// for one resource family. The channel rewrites identifier ids between
// peer and local space; nil passes ids through, which is the persistence
// convention.
type Codec interface {
	// DecodeElement parses one entry of a write list and computes its
	// canonical ident.
	DecodeElement(raw interface{}, ch xdr.Channel) (string, WriteElement, error)

	// EncodeUpdate renders one update as a wire object, registering any
	// identifier definitions with the channel first.
	EncodeUpdate(u Update, ch xdr.Channel) (map[string]interface{}, error)
}

// sortUpdates orders a batch by ident. The empty ident (a table mapping)
// sorts first, which is also the order records must be persisted in.
func sortUpdates(updates []Update) {
	sort.Slice(updates, func(i, j int) bool { return updates[i].Ident < updates[j].Ident })
}

// sortedIdents returns the keys of a write batch in persistence order.
func sortedIdents(elements map[string]WriteElement) []string {
	idents := make([]string, 0, len(elements))
	for ident := range elements {
		idents = append(idents, ident)
	}
	sort.Strings(idents)
	return idents
}
