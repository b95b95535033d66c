package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "muxrpc.log")
	logger, err := New(Config{Level: "debug", Filename: path})
	require.NoError(t, err)

	logger.Debug("hello", zap.String("conn", "c1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
	require.Contains(t, string(data), `"conn":"c1"`)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	_, err = New(Config{Format: "xml"})
	require.Error(t, err)

	logger, err := New(Config{Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestOrDefault(t *testing.T) {
	require.Equal(t, zap.L(), OrDefault(nil))
	nop := zap.NewNop()
	require.Equal(t, nop, OrDefault(nop))
}
