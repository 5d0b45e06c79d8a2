package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceRoutesNamedAndAuditLoggers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	Named("processor").Info("run claimed", zap.String("run_id", "r1"))
	Audit().Info("trigger_accepted")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "processor", entries[0].LoggerName)
	assert.Equal(t, "r1", entries[0].ContextMap()["run_id"])
	assert.Equal(t, "audit", entries[1].LoggerName)
}

func TestRotatingAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "quizchain.log")
	writer := rotating(path, 0, 0, 0, false)

	assert.Equal(t, 100, writer.MaxSize)
	assert.Equal(t, 7, writer.MaxBackups)
	assert.Equal(t, 30, writer.MaxAge)
	_, err := os.Stat(filepath.Dir(path))
	assert.NoError(t, err)
}

func TestOpenSinkCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "out.log")
	sink, err := openSink(path)
	require.NoError(t, err)
	_, err = sink.Write([]byte("line\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(content))
}
