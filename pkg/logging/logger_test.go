package logging

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {

	logger := NewLogger(slog.LevelDebug, nil)

	logger.Info("info test")
	logger.Warn("warn test")
	logger.Debug("debug test")
	logger.Debugf("debug %s", "formatted")
}

func TestError(t *testing.T) {

	logger := NewLogger(slog.LevelDebug, nil)

	err := errors.New("an error occurred")

	logger.Info("info test")
	logger.Error(err, slog.String("key", "value"))
	logger.MaybeError(err)
}

func TestSecurityLevelWrittenToFile(t *testing.T) {

	fs := afero.NewMemMapFs()
	logFile, err := fs.Create("/trust.log")
	assert.Nil(t, err)

	logger := NewLogger(slog.LevelInfo, logFile)
	logger.Security(SecurityLogEntry{
		Severity:    SeverityHigh,
		Category:    CategoryAuthentication,
		Description: "auth proof rejected",
		Source:      SourceAuthentication,
		UserID:      "alice",
	})
	assert.Nil(t, logFile.Close())

	data, err := afero.ReadFile(fs, "/trust.log")
	assert.Nil(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, 1, len(lines))

	var record map[string]any
	assert.Nil(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "SECURITY", record["level"])
	assert.Equal(t, "alice", record["user_id"])
	assert.Equal(t, CategoryAuthentication, record["category"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, LevelTrace, ParseLevel("trace"))
}
