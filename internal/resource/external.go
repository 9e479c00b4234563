package resource

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/compress"
	"github.com/statecast/statecast/internal/extdata"
)

// ErrReadOnly rejects writes to external resources.
var ErrReadOnly = errors.New("resource: external resources are read-only")

// External is the read-only external family: its content is one backend
// query, shared through the extdata client cache with every other resource
// asking the same query. The whole result carries revision 1; column
// values are run-length compressed with the optional dictionary.
type External struct {
	*base
	cache  *extdata.Cache
	client *extdata.Client

	data    *extdata.Data
	dataErr error
}

func newExternal(id int64, key string, cache *extdata.Cache, cfg extdata.SourceConfig, params []interface{}, logger zerolog.Logger) *External {
	e := &External{
		cache:  cache,
		client: cache.Acquire(cfg, params),
	}
	e.base = newBase(id, key, KindExternal, tableCodec{}, false, e, logger)
	return e
}

func (e *External) load(ctx context.Context) (int64, error) {
	done := make(chan struct{})
	e.client.Get(func(data *extdata.Data, err error) {
		e.data = data
		e.dataErr = err
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if e.dataErr != nil {
		// Reported per read; the resource stays alive until released.
		return 0, nil
	}
	return 1, nil
}

func (e *External) getAll(ctx context.Context, fromRevision int64) ([]Update, error) {
	if e.dataErr != nil {
		return nil, e.dataErr
	}
	if fromRevision >= 1 {
		return nil, nil
	}

	data := e.data
	paths := make([]string, 0, len(data.Paths)+1)
	paths = append(paths, data.Paths...)
	synthesizeRecordID := !containsPath(paths, "recordId")
	if synthesizeRecordID {
		paths = append(paths, "recordId")
	}

	wirePaths := make([]interface{}, len(paths))
	for i, p := range paths {
		wirePaths[i] = p
	}
	updates := make([]Update, 0, len(paths)+1)
	updates = append(updates, Update{
		Ident: "",
		Value: map[string]interface{}{
			"path": []interface{}{},
			"mapping": map[string]interface{}{
				"nrDataElements": int64(data.NrRows),
				"firstElementId": int64(1),
				"paths":          wirePaths,
			},
		},
		Revision: 1,
	})

	for _, path := range paths {
		column := data.Columns[path]
		if path == "recordId" && synthesizeRecordID {
			column = make([]interface{}, data.NrRows)
			for i := range column {
				column[i] = int64(i + 1)
			}
		}
		runs, dict := compress.Encode(column)
		content := map[string]interface{}{
			"path":             []interface{}{path},
			"pathValuesRanges": runs,
		}
		if dict != nil {
			content["indexedValues"] = dict
		}
		updates = append(updates, Update{Ident: path, Value: content, Revision: 1})
	}
	sortUpdates(updates)
	return updates, nil
}

func (e *External) applyWrite(ctx context.Context, elements map[string]WriteElement, revision int64, timestamp string) ([]Update, map[string]interface{}, error) {
	return nil, nil, ErrReadOnly
}

func (e *External) stop() {
	e.base.stop()
	e.cache.Release(e.client)
}

func containsPath(paths []string, want string) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}
	return false
}
