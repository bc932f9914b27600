package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.NotEmpty(t, cfg.TimeFormat)
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"text", Config{Level: "debug", Format: "text", Output: "stdout"}, false},
		{"json", Config{Level: "info", Format: "json", Output: "stderr"}, false},
		{"bad level", Config{Level: "loud"}, true},
		{"bad format", Config{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Setup(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	require.NoError(t, Setup(DefaultConfig()))
}

func TestSetup_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tunnelctl.log")
	require.NoError(t, Setup(Config{Level: "info", Format: "json", Output: path}))
	t.Cleanup(func() {
		Close()
		Setup(DefaultConfig())
	})

	Default().Info("hello", "account", "1234567890123456")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "************3456")
	assert.NotContains(t, string(data), "1234567890123456")
}

func TestMaskAccount(t *testing.T) {
	assert.Equal(t, "************3456", MaskAccount("1234567890123456"))
	assert.Equal(t, "***", MaskAccount("123"))
	assert.Equal(t, "", MaskAccount(""))
}

func TestHandler_RedactsAccounts(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	logger := slog.New(h)

	logger.Info("login",
		AccountKey, "9876543210987654",
		"other", "1111222233334444",
		"device", "dev-1",
	)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "************7654", rec[AccountKey])
	assert.Equal(t, "************4444", rec["other"])
	assert.Equal(t, "dev-1", rec["device"])
}

func TestHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Config{Level: "warn", Format: "text"})
	require.NoError(t, err)
	logger := slog.New(h)

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestContextLogger(t *testing.T) {
	assert.Equal(t, Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	h, err := NewHandler(&buf, Config{Format: "text"})
	require.NoError(t, err)
	logger := slog.New(h).With("op", "check")

	ctx := WithContext(context.Background(), logger)
	FromContext(ctx).Info("from context")
	assert.Contains(t, buf.String(), "op=check")
}
