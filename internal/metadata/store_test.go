package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	store, err := NewStore(t.TempDir(), "/etc/agentor/config.yaml", log)
	require.NoError(t, err)
	return store
}

func TestReserveIsExclusive(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Reserve("app-1"))
	err := store.Reserve("app-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))
}

func TestReserveRejectsInvalidID(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"", "a b", "../escape", "x/y", "app.1"} {
		assert.Error(t, store.Reserve(id), "id %q should be rejected", id)
	}
}

func TestUpdateMergeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Reserve("app-1"))

	require.NoError(t, store.UpdateMerge("app-1", map[string]string{
		KeyProject: "app",
		KeyStatus:  "spawning",
		KeyBranch:  "feat/42",
	}))

	got, err := store.Read("app-1")
	require.NoError(t, err)
	assert.Equal(t, "app", got[KeyProject])
	assert.Equal(t, "spawning", got[KeyStatus])
	assert.Equal(t, "feat/42", got[KeyBranch])

	// Second write-read cycle must be stable on untouched fields.
	require.NoError(t, store.UpdateMerge("app-1", map[string]string{KeyStatus: "working"}))
	got, err = store.Read("app-1")
	require.NoError(t, err)
	assert.Equal(t, "working", got[KeyStatus])
	assert.Equal(t, "app", got[KeyProject])
	assert.Equal(t, "feat/42", got[KeyBranch])
}

func TestUpdateMergeEmptyValueDeletesKey(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Reserve("app-1"))
	require.NoError(t, store.UpdateMerge("app-1", map[string]string{KeyPR: "https://example.com/pull/7"}))

	require.NoError(t, store.UpdateMerge("app-1", map[string]string{KeyPR: ""}))

	got, err := store.Read("app-1")
	require.NoError(t, err)
	_, exists := got[KeyPR]
	assert.False(t, exists)
}

func TestUpdateMergeConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Reserve("app-1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%10))
			_ = store.UpdateMerge("app-1", map[string]string{key: "v"})
		}(i)
	}
	wg.Wait()

	got, err := store.Read("app-1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, "v", got[string(rune('a'+i))])
	}
}

func TestArchiveRemovesFromList(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Reserve("app-1"))
	require.NoError(t, store.Reserve("app-2"))

	require.NoError(t, store.Archive("app-1"))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-2"}, ids)

	// The archived file still exists under archive/ with a timestamp suffix.
	entries, err := os.ReadDir(filepath.Join(store.Root(), "archive"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "app-1.")

	// The id is free again after archival.
	assert.NoError(t, store.Reserve("app-1"))
}

func TestListSkipsInvalidNames(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Reserve("app-1"))
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "not a session"), []byte("x"), 0o644))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1"}, ids)
}

func TestDistinctConfigsGetDistinctRoots(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	dir := t.TempDir()

	a, err := NewStore(dir, "/one/config.yaml", log)
	require.NoError(t, err)
	b, err := NewStore(dir, "/two/config.yaml", log)
	require.NoError(t, err)

	assert.NotEqual(t, a.Root(), b.Root())
	require.NoError(t, a.Reserve("app-1"))
	assert.NoError(t, b.Reserve("app-1"))
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
	}{
		{"empty", map[string]string{}},
		{"single", map[string]string{"status": "working"}},
		{"several", map[string]string{"a": "1", "b": "x=y", "c": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(Encode(tt.in))
			for k, v := range tt.in {
				if v == "" {
					// Empty values round-trip as absent keys.
					_, ok := got[k]
					assert.False(t, ok)
					continue
				}
				assert.Equal(t, v, got[k])
			}
		})
	}
}

func TestDecodeKeepsValueEquals(t *testing.T) {
	m := Decode("pr=https://github.com/org/app/pull/7?x=1\n")
	assert.Equal(t, "https://github.com/org/app/pull/7?x=1", m["pr"])
}
