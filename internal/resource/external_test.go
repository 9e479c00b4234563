package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statecast/statecast/internal/compress"
	"github.com/statecast/statecast/internal/docstore"
	"github.com/statecast/statecast/internal/extdata"
)

type stubBackend struct {
	mu         sync.Mutex
	constructs int
	destroys   int
	data       *extdata.Data
	err        error
}

func (b *stubBackend) Accepts(cfg extdata.SourceConfig) bool { return cfg.Driver == "stub" }

func (b *stubBackend) Construct(cfg extdata.SourceConfig, params []interface{}) (extdata.Source, error) {
	b.mu.Lock()
	b.constructs++
	b.mu.Unlock()
	return &stubSource{backend: b}, nil
}

func (b *stubBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.constructs, b.destroys
}

type stubSource struct {
	backend *stubBackend
}

func (s *stubSource) Run(ctx context.Context) (*extdata.Data, error) {
	return s.backend.data, s.backend.err
}

func (s *stubSource) Destroy() {
	s.backend.mu.Lock()
	s.backend.destroys++
	s.backend.mu.Unlock()
}

func newExternalManager(t *testing.T, backend *stubBackend, configs ...extdata.SourceConfig) *Manager {
	t.Helper()
	store, err := docstore.OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	registry := extdata.NewRegistry(configs, backend)
	cache := extdata.NewCache(registry, zerolog.Nop())
	return NewManager(store, registry, cache, zerolog.Nop())
}

func decompressColumn(t *testing.T, u Update, length int) []interface{} {
	t.Helper()
	content := u.Value.(map[string]interface{})
	runs := content["pathValuesRanges"].([]compress.Run)
	dict, _ := content["indexedValues"].([]interface{})
	column, err := compress.Decompress(runs, dict, length)
	require.NoError(t, err)
	return column
}

func TestExternalServesCompressedColumns(t *testing.T) {
	backend := &stubBackend{data: &extdata.Data{
		NrRows: 4,
		Paths:  []string{"city", "temp"},
		Columns: map[string][]interface{}{
			"city": {"oslo", "oslo", "bergen", "bergen"},
			"temp": {int64(7), int64(9), int64(11), int64(8)},
		},
	}}
	m := newExternalManager(t, backend, extdata.SourceConfig{
		Name: "Weather", ID: "src-1", Driver: "stub", Query: "q",
	})

	res, err := m.Acquire(Spec{Type: KindExternal, App: "crm", Path: []string{"src-1"}})
	require.NoError(t, err)
	defer m.Release(res)

	result := subscribeWait(t, res, &recordingNotifier{}, -1)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.LastRevision)
	require.Len(t, result.Updates, 4)

	mapping := result.Updates[0]
	assert.Equal(t, "", mapping.Ident)
	content := mapping.Value.(map[string]interface{})
	layout := content["mapping"].(map[string]interface{})
	assert.Equal(t, int64(4), layout["nrDataElements"])
	assert.Equal(t, int64(1), layout["firstElementId"])
	assert.Equal(t, []interface{}{"city", "temp", "recordId"}, layout["paths"])

	byIdent := map[string]Update{}
	for _, u := range result.Updates[1:] {
		assert.Equal(t, int64(1), u.Revision)
		byIdent[u.Ident] = u
	}
	assert.Equal(t,
		[]interface{}{"oslo", "oslo", "bergen", "bergen"},
		decompressColumn(t, byIdent["city"], 4))
	assert.Equal(t,
		[]interface{}{int64(7), int64(9), int64(11), int64(8)},
		decompressColumn(t, byIdent["temp"], 4))
	assert.Equal(t,
		[]interface{}{int64(1), int64(2), int64(3), int64(4)},
		decompressColumn(t, byIdent["recordId"], 4))

	// Everything is at revision 1, so a resync from there is empty.
	resync := subscribeWait(t, res, &recordingNotifier{}, 1)
	require.NoError(t, resync.Err)
	assert.Empty(t, resync.Updates)

	ack := writeWait(t, res, -1, map[string]WriteElement{"city": {Delete: true}})
	assert.ErrorIs(t, ack.Err, ErrReadOnly)
}

func TestExternalSharesOneQueryAcrossResources(t *testing.T) {
	backend := &stubBackend{data: &extdata.Data{
		NrRows:  1,
		Paths:   []string{"n"},
		Columns: map[string][]interface{}{"n": {int64(1)}},
	}}
	m := newExternalManager(t, backend,
		extdata.SourceConfig{Name: "Counts", ID: "src-1", Driver: "stub", Query: "q"},
		extdata.SourceConfig{
			Name: "Filtered", ID: "src-2", Driver: "stub", Query: "q ?",
			Params: []extdata.ParamSpec{{Name: "region", Type: "string"}},
		},
	)

	// Two apps asking for the same source and params share one query.
	a, err := m.Acquire(Spec{Type: KindExternal, App: "alpha", Path: []string{"src-1"}})
	require.NoError(t, err)
	b, err := m.Acquire(Spec{Type: KindExternal, App: "beta", Path: []string{"src-1"}})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	require.NoError(t, subscribeWait(t, a, &recordingNotifier{}, -1).Err)
	require.NoError(t, subscribeWait(t, b, &recordingNotifier{}, -1).Err)
	constructs, _ := backend.counts()
	assert.Equal(t, 1, constructs)

	// Different parameter values are different queries.
	c, err := m.Acquire(Spec{
		Type: KindExternal, App: "alpha", Path: []string{"src-2"},
		Params: []interface{}{"emea"},
	})
	require.NoError(t, err)
	d, err := m.Acquire(Spec{
		Type: KindExternal, App: "alpha", Path: []string{"src-2"},
		Params: []interface{}{"apac"},
	})
	require.NoError(t, err)
	require.NoError(t, subscribeWait(t, c, &recordingNotifier{}, -1).Err)
	require.NoError(t, subscribeWait(t, d, &recordingNotifier{}, -1).Err)
	constructs, _ = backend.counts()
	assert.Equal(t, 3, constructs)

	m.Release(a)
	m.Release(b)
	m.Release(c)
	m.Release(d)
	require.Eventually(t, func() bool {
		_, destroys := backend.counts()
		return destroys == 3
	}, testWait, 10*time.Millisecond)
}

func TestExternalReportsQueryError(t *testing.T) {
	backend := &stubBackend{err: assert.AnError}
	m := newExternalManager(t, backend, extdata.SourceConfig{
		Name: "Broken", ID: "src-1", Driver: "stub", Query: "q",
	})

	res, err := m.Acquire(Spec{Type: KindExternal, App: "crm", Path: []string{"src-1"}})
	require.NoError(t, err)
	defer m.Release(res)

	result := subscribeWait(t, res, &recordingNotifier{}, -1)
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, assert.AnError)

	// The failure is sticky: every read reports it until release.
	again := subscribeWait(t, res, &recordingNotifier{}, -1)
	assert.ErrorIs(t, again.Err, assert.AnError)
}

func TestExternalRejectsUnknownSource(t *testing.T) {
	backend := &stubBackend{}
	m := newExternalManager(t, backend, extdata.SourceConfig{
		Name: "Known", ID: "src-1", Driver: "stub", Query: "q",
	})
	_, err := m.Acquire(Spec{Type: KindExternal, App: "crm", Path: []string{"nope"}})
	assert.Error(t, err)
}
