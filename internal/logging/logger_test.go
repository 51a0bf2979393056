package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    logrus.Level
		wantErr bool
	}{
		{"debug", logrus.DebugLevel, false},
		{"", logrus.InfoLevel, false},
		{"WARN", logrus.WarnLevel, false},
		{"warning", logrus.WarnLevel, false},
		{"error", logrus.ErrorLevel, false},
		{"trace", logrus.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "indexer.log")
	logger, closer, err := NewLogger(&LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	NewAddressLogger(logger, "indexer", "0xabc").Info("完成")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"address":"0xabc"`)
	assert.Contains(t, string(data), `"component":"indexer"`)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNewLogger_Defaults(t *testing.T) {
	logger, closer, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	_, _, err = NewLogger(&LogConfig{Format: "xml"})
	assert.Error(t, err)
}
