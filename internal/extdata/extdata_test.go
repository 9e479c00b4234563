package extdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	constructed int
	destroyed   int32
	gate        chan struct{} // Run blocks until closed when non-nil
	data        *Data
	err         error
}

func (b *fakeBackend) Accepts(cfg SourceConfig) bool { return cfg.Driver == "fake" }

func (b *fakeBackend) Construct(cfg SourceConfig, params []interface{}) (Source, error) {
	b.mu.Lock()
	b.constructed++
	b.mu.Unlock()
	return &fakeSource{backend: b}, nil
}

type fakeSource struct {
	backend *fakeBackend
}

func (s *fakeSource) Run(ctx context.Context) (*Data, error) {
	if s.backend.gate != nil {
		select {
		case <-s.backend.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.backend.data, s.backend.err
}

func (s *fakeSource) Destroy() { atomic.AddInt32(&s.backend.destroyed, 1) }

func testSource() SourceConfig {
	return SourceConfig{
		Name:       "sales",
		ID:         "src-1",
		Driver:     "fake",
		Params:     []ParamSpec{{Name: "region", Type: "string"}},
		Attributes: []string{"recordId", "amount"},
	}
}

func collect(t *testing.T) (GetFunc, func() (*Data, error)) {
	t.Helper()
	ch := make(chan struct {
		data *Data
		err  error
	}, 1)
	cb := func(data *Data, err error) {
		ch <- struct {
			data *Data
			err  error
		}{data, err}
	}
	wait := func() (*Data, error) {
		select {
		case got := <-ch:
			return got.data, got.err
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for query result")
			return nil, nil
		}
	}
	return cb, wait
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	content := `[
		{"name": "sales", "id": "src-1", "driver": "mysql", "dsn": "u:p@/db",
		 "query": "SELECT * FROM sales WHERE region = ?",
		 "params": [{"name": "region", "type": "string"}],
		 "attributes": ["recordId", "amount"]}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	sources, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "sales", sources[0].Name)
	assert.Equal(t, "src-1", sources[0].ID)
	assert.Equal(t, []ParamSpec{{Name: "region", Type: "string"}}, sources[0].Params)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"name": "", "id": ""}]`), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	dup := filepath.Join(t.TempDir(), "dup.json")
	require.NoError(t, os.WriteFile(dup, []byte(`[{"name":"a","id":"x"},{"name":"b","id":"x"}]`), 0o600))
	_, err = LoadConfig(dup)
	assert.Error(t, err)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry([]SourceConfig{testSource()})

	byID, ok := reg.Lookup("src-1")
	require.True(t, ok)
	assert.Equal(t, "sales", byID.Name)

	byName, ok := reg.Lookup("sales")
	require.True(t, ok)
	assert.Equal(t, "src-1", byName.ID)

	_, ok = reg.Lookup("unknown")
	assert.False(t, ok)
}

func TestMetadataEntry(t *testing.T) {
	entry := testSource().MetadataEntry()
	assert.Equal(t, "src-1", entry["id"])
	assert.Equal(t, "sales", entry["name"])
	assert.Equal(t, true, entry["isExternal"])
	assert.Equal(t, []interface{}{"recordId", "amount"}, entry["attributes"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"name": "region", "type": "string"},
	}, entry["parameters"])
}

func TestCacheDeduplicatesClients(t *testing.T) {
	backend := &fakeBackend{data: &Data{NrRows: 1, Paths: []string{"a"}, Columns: map[string][]interface{}{"a": {int64(1)}}}}
	cache := NewCache(NewRegistry([]SourceConfig{testSource()}, backend), zerolog.Nop())

	a := cache.Acquire(testSource(), []interface{}{"emea"})
	b := cache.Acquire(testSource(), []interface{}{"emea"})
	assert.Same(t, a, b)
	assert.True(t, cache.Shared(a))

	other := cache.Acquire(testSource(), []interface{}{"apac"})
	assert.NotSame(t, a, other)

	cb, wait := collect(t)
	a.Get(cb)
	data, err := wait()
	require.NoError(t, err)
	assert.Equal(t, 1, data.NrRows)

	backend.mu.Lock()
	assert.Equal(t, 2, backend.constructed)
	backend.mu.Unlock()

	cache.Release(b)
	assert.False(t, cache.Shared(a))
	cache.Release(a)
	cache.Release(other)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&backend.destroyed) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientQueuesUntilReady(t *testing.T) {
	backend := &fakeBackend{
		gate: make(chan struct{}),
		data: &Data{NrRows: 2, Paths: []string{"x"}, Columns: map[string][]interface{}{"x": {int64(1), int64(2)}}},
	}
	cache := NewCache(NewRegistry([]SourceConfig{testSource()}, backend), zerolog.Nop())
	client := cache.Acquire(testSource(), []interface{}{"emea"})

	var order []int
	var mu sync.Mutex
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		client.Get(func(data *Data, err error) {
			mu.Lock()
			order = append(order, i)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
		})
	}

	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	close(backend.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued requests were never served")
	}

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, order)
	mu.Unlock()

	// A request after readiness is served inline.
	cb, wait := collect(t)
	client.Get(cb)
	data, err := wait()
	require.NoError(t, err)
	assert.Equal(t, 2, data.NrRows)

	cache.Release(client)
}

func TestClientReportsQueryError(t *testing.T) {
	boom := errors.New("warehouse unreachable")
	backend := &fakeBackend{gate: make(chan struct{}), err: boom}
	cache := NewCache(NewRegistry([]SourceConfig{testSource()}, backend), zerolog.Nop())
	client := cache.Acquire(testSource(), []interface{}{"emea"})

	queuedCb, queuedWait := collect(t)
	client.Get(queuedCb)
	close(backend.gate)

	_, err := queuedWait()
	assert.ErrorIs(t, err, boom)

	// The error is sticky for later requests.
	lateCb, lateWait := collect(t)
	client.Get(lateCb)
	_, err = lateWait()
	assert.ErrorIs(t, err, boom)

	cache.Release(client)
}

func TestConstructRejectsParamMismatch(t *testing.T) {
	backend := &fakeBackend{}
	cache := NewCache(NewRegistry([]SourceConfig{testSource()}, backend), zerolog.Nop())
	client := cache.Acquire(testSource(), []interface{}{"emea", "extra"})

	cb, wait := collect(t)
	client.Get(cb)
	_, err := wait()
	assert.Error(t, err)

	cache.Release(client)
}

func TestConstructRejectsUnknownDriver(t *testing.T) {
	cfg := testSource()
	cfg.Driver = "exotic"
	cache := NewCache(NewRegistry([]SourceConfig{cfg}), zerolog.Nop())
	client := cache.Acquire(cfg, []interface{}{"emea"})

	cb, wait := collect(t)
	client.Get(cb)
	_, err := wait()
	assert.Error(t, err)

	cache.Release(client)
}
