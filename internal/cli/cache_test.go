package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ddp/internal/cache"
	"github.com/roach88/ddp/internal/collection"
)

// seedSQLite writes one collection and a sync time into a sqlite cache.
func seedSQLite(t *testing.T, path string) {
	t.Helper()
	ce, err := cache.OpenSQLite(path)
	require.NoError(t, err)
	defer ce.Close()

	store := collection.New(collection.WithCacheEngine(ce))
	require.NoError(t, store.InsertItem("tasks", collection.Document{"_id": "t1", "title": "Write tests"}))
	require.NoError(t, store.PersistToStore(context.Background(), []string{"tasks"}))
}

func sqliteOptions(t *testing.T) (*RootOptions, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	cfgPath := writeConfig(t, "cache:\n  driver: sqlite\n  path: "+dbPath+"\n")
	return &RootOptions{Format: "text", ConfigPath: cfgPath}, dbPath
}

func TestCacheShow_ListsSQLiteEntries(t *testing.T) {
	opts, dbPath := sqliteOptions(t)
	seedSQLite(t, dbPath)

	out, err := execute(t, NewCacheCommand(opts), "show")
	require.NoError(t, err)
	assert.Contains(t, out, "tasks\t")
	assert.Contains(t, out, collection.LastSyncKey+"\t")
	assert.Contains(t, out, " bytes\t")
}

func TestCacheShow_EntriesJSON(t *testing.T) {
	opts, dbPath := sqliteOptions(t)
	opts.Format = "json"
	seedSQLite(t, dbPath)

	out, err := execute(t, NewCacheCommand(opts), "show")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Entries []cacheEntry `json:"entries"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	keys := make([]string, 0, len(resp.Data.Entries))
	for _, e := range resp.Data.Entries {
		keys = append(keys, e.Key)
		assert.Positive(t, e.Size)
		assert.NotEmpty(t, e.UpdatedAt)
	}
	assert.ElementsMatch(t, []string{"tasks", collection.LastSyncKey}, keys)
}

func TestCacheShow_Collection(t *testing.T) {
	opts, dbPath := sqliteOptions(t)
	seedSQLite(t, dbPath)

	out, err := execute(t, NewCacheCommand(opts), "show", "tasks", "missing")
	require.NoError(t, err)
	assert.Contains(t, out, "Last sync: ")
	assert.NotContains(t, out, "Last sync: never")
	assert.Contains(t, out, "[tasks] 1 document(s)\n  {\"_id\":\"t1\",\"title\":\"Write tests\"}\n")
	assert.Contains(t, out, "[missing] 0 document(s)\n")
}

func TestCacheShow_CollectionJSON(t *testing.T) {
	opts, dbPath := sqliteOptions(t)
	opts.Format = "json"
	seedSQLite(t, dbPath)

	out, err := execute(t, NewCacheCommand(opts), "show", "tasks")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, data["last_sync"])
	assert.Equal(t, []any{map[string]any{
		"name": "tasks",
		"docs": []any{map[string]any{"_id": "t1", "title": "Write tests"}},
	}}, data["collections"])
}

func TestCacheClear(t *testing.T) {
	opts, dbPath := sqliteOptions(t)
	seedSQLite(t, dbPath)

	out, err := execute(t, NewCacheCommand(opts), "clear", "tasks")
	require.NoError(t, err)
	assert.Equal(t, "Cleared 1 collection(s)\n", out)

	out, err = execute(t, NewCacheCommand(opts), "show", "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "Last sync: never")
	assert.Contains(t, out, "[tasks] 0 document(s)\n")

	out, err = execute(t, NewCacheCommand(opts), "show")
	require.NoError(t, err)
	assert.Equal(t, "Cache is empty\n", out)
}

func TestCacheClear_RequiresCollection(t *testing.T) {
	opts, _ := sqliteOptions(t)

	_, err := execute(t, NewCacheCommand(opts), "clear")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestCacheShow_MemoryIsEmpty(t *testing.T) {
	out, err := execute(t, NewCacheCommand(&RootOptions{Format: "text"}), "show")
	require.NoError(t, err)
	assert.Equal(t, "Cache is empty\n", out)
}

func TestCacheShow_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := writeConfig(t, "cache:\n  driver: redis\n  addr: "+mr.Addr()+"\n")
	opts := &RootOptions{Format: "text", ConfigPath: cfgPath}

	// redis cannot enumerate keys
	out, err := execute(t, NewCacheCommand(opts), "show")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E007]: list redis cache")

	out, err = execute(t, NewCacheCommand(opts), "show", "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "Last sync: never")
	assert.Contains(t, out, "[tasks] 0 document(s)\n")
}

func TestCacheShow_UnknownDriver(t *testing.T) {
	cfgPath := writeConfig(t, "cache:\n  driver: etcd\n")

	out, err := execute(t, NewCacheCommand(&RootOptions{Format: "text", ConfigPath: cfgPath}), "show")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E007]: cache unavailable")
}
