package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec(map[string]interface{}{
		"type":  "appState",
		"owner": "alice",
		"app":   "game",
	})
	require.NoError(t, err)
	assert.Equal(t, KindAppState, spec.Type)
	assert.Equal(t, "alice", spec.Owner)
	assert.Equal(t, "game", spec.App)

	spec, err = ParseSpec(map[string]interface{}{
		"type": "table",
		"app":  "game",
		"path": []interface{}{"scores", "2026"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"scores", "2026"}, spec.Path)

	spec, err = ParseSpec(map[string]interface{}{
		"type":   "external",
		"app":    "crm",
		"path":   []interface{}{"sales"},
		"params": []interface{}{"emea", int64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"emea", int64(5)}, spec.Params)

	spec, err = ParseSpec(map[string]interface{}{"type": "metadata"})
	require.NoError(t, err)
	assert.Equal(t, KindMetadata, spec.Type)

	_, err = ParseSpec(map[string]interface{}{"type": "bogus"})
	assert.Error(t, err)
	_, err = ParseSpec(map[string]interface{}{"type": "appState", "app": "game"})
	assert.Error(t, err)
	_, err = ParseSpec(map[string]interface{}{"type": "table", "app": "game"})
	assert.Error(t, err)
	_, err = ParseSpec(map[string]interface{}{
		"type": "table",
		"app":  "game",
		"path": []interface{}{"scores", 7},
	})
	assert.Error(t, err)

	// Unordered params cannot form a canonical key.
	_, err = ParseSpec(map[string]interface{}{
		"type":   "external",
		"app":    "crm",
		"path":   []interface{}{"sales"},
		"params": map[string]interface{}{"region": "emea"},
	})
	assert.Error(t, err)
}

func TestSpecKeys(t *testing.T) {
	key, err := Spec{Type: KindAppState, Owner: "alice.smith", App: "game"}.Key()
	require.NoError(t, err)
	assert.Equal(t, "rrm.appState.alice%2Esmith.game", key)

	key, err = Spec{Type: KindTable, App: "game", Path: []string{"top/scores", "v1"}}.Key()
	require.NoError(t, err)
	assert.Equal(t, "tables.game.top%2Fscores/v1", key)

	key, err = Spec{Type: KindExternal, App: "crm", Path: []string{"sales"}}.Key()
	require.NoError(t, err)
	assert.Equal(t, `external.crm.sales?[]`, key)

	key, err = Spec{Type: KindExternal, App: "crm", Path: []string{"sales"}, Params: []interface{}{"emea", int64(5)}}.Key()
	require.NoError(t, err)
	assert.Equal(t, `external.crm.sales?["emea",5]`, key)

	key, err = Spec{Type: KindMetadata}.Key()
	require.NoError(t, err)
	assert.Equal(t, "metadata", key)

	// Identical coordinates yield identical keys regardless of spec origin.
	parsed, err := ParseSpec(map[string]interface{}{
		"type": "table", "app": "game", "path": []interface{}{"top/scores", "v1"},
	})
	require.NoError(t, err)
	parsedKey, err := parsed.Key()
	require.NoError(t, err)
	assert.Equal(t, "tables.game.top%2Fscores/v1", parsedKey)
}

func TestSpecAuthCoords(t *testing.T) {
	owner, typ, name := Spec{Type: KindAppState, Owner: "alice", App: "game"}.AuthCoords()
	assert.Equal(t, []string{"alice", "appState", "game"}, []string{owner, typ, name})

	owner, typ, name = Spec{Type: KindTable, App: "game", Path: []string{"scores", "v1"}}.AuthCoords()
	assert.Equal(t, []string{"game", "table", "scores/v1"}, []string{owner, typ, name})

	owner, typ, name = Spec{Type: KindExternal, App: "crm", Path: []string{"sales"}}.AuthCoords()
	assert.Equal(t, []string{"crm", "external", "sales"}, []string{owner, typ, name})

	owner, typ, name = Spec{Type: KindMetadata}.AuthCoords()
	assert.Equal(t, []string{"", "metadata", "metadata"}, []string{owner, typ, name})
}

func TestManagerSharesInstances(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Acquire(appStateSpec("alice", "game"))
	require.NoError(t, err)
	b, err := m.Acquire(appStateSpec("alice", "game"))
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, a.ID(), b.ID())

	other, err := m.Acquire(appStateSpec("bob", "game"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), other.ID())

	meta1, err := m.Acquire(Spec{Type: KindMetadata})
	require.NoError(t, err)
	meta2, err := m.Acquire(Spec{Type: KindMetadata})
	require.NoError(t, err)
	assert.Same(t, meta1, meta2)

	m.Release(b)
	again, err := m.Acquire(appStateSpec("alice", "game"))
	require.NoError(t, err)
	assert.Same(t, a, again)

	m.Release(a)
	m.Release(again)
	m.Release(other)
	m.Release(meta1)
	m.Release(meta2)
}

func TestManagerPurgesAndNeverReusesIDs(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Acquire(appStateSpec("alice", "game"))
	require.NoError(t, err)
	firstID := first.ID()
	writeWait(t, first, -1, map[string]WriteElement{"2:2:k": stringValue("v")})
	m.Release(first)

	second, err := m.Acquire(appStateSpec("alice", "game"))
	require.NoError(t, err)
	defer m.Release(second)
	assert.NotSame(t, first, second)
	assert.Greater(t, second.ID(), firstID)

	// The replacement instance still serves the persisted state.
	_, last := getAllWait(t, second, -1)
	assert.Equal(t, int64(1), last)
}

func TestManagerRejectsExternalWithoutSources(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Acquire(Spec{Type: KindExternal, App: "crm", Path: []string{"sales"}})
	assert.Error(t, err)
}
