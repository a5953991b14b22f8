package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCategoryLog(t *testing.T, ws string, cat Category) string {
	t.Helper()
	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(ws, ".coach", "logs", date+"_"+string(cat)+".log"))
	require.NoError(t, err)
	return string(data)
}

func TestInitialize_DebugModeWritesCategoryFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	Retrieval("ranked %d chunks", 4)
	SandboxDebug("worker pid=%d", 42)

	assert.Contains(t, readCategoryLog(t, ws, CategoryRetrieval), "[INFO] ranked 4 chunks")
	assert.Contains(t, readCategoryLog(t, ws, CategorySandbox), "[DEBUG] worker pid=42")
}

func TestInitialize_ProductionModeIsSilent(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{}))
	t.Cleanup(CloseAll)

	Corpus("should not be written")

	_, err := os.Stat(filepath.Join(ws, ".coach", "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestCategoryFilter(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{
		DebugMode:  true,
		Categories: map[string]bool{"sandbox": false},
	}))
	t.Cleanup(CloseAll)

	assert.False(t, IsCategoryEnabled(CategorySandbox))
	assert.True(t, IsCategoryEnabled(CategoryStore))
}

func TestLevelFiltering(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{DebugMode: true, Level: "warn"}))
	t.Cleanup(CloseAll)

	StoreDebug("hidden")
	StoreWarn("visible")

	out := readCategoryLog(t, ws, CategoryStore)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] visible")
}

func TestJSONFormat(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws, Settings{DebugMode: true, JSONFormat: true}))
	t.Cleanup(CloseAll)

	API("request served")

	out := readCategoryLog(t, ws, CategoryAPI)
	assert.True(t, strings.Contains(out, `"cat":"api"`), out)
	assert.Contains(t, out, `"msg":"request served"`)
}

func TestInitialize_RequiresWorkspace(t *testing.T) {
	assert.Error(t, Initialize("", Settings{}))
}
