package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mdobak/go-xerrors"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/afero"
)

// SecurityLogEntry defines the structure of a security log entry.
type SecurityLogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Severity      string    `json:"severity"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	Details       string    `json:"details,omitempty"`
	Source        string    `json:"source,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

const (
	LevelTrace    = slog.Level(-8)
	LevelFatal    = slog.Level(12)
	LevelSecurity = slog.Level(16)

	SeverityLow      = "Low"
	SeverityMedium   = "Medium"
	SeverityHigh     = "High"
	SeverityCritical = "Critical"

	CategoryAccessControl   = "Access Control"
	CategoryAuthentication  = "Authentication"
	CategoryKeyUsage        = "Key Usage"
	CategoryPolicyViolation = "Policy Violation"
	CategoryRevocation      = "Revocation"
	CategorySystemIntegrity = "System Integrity"

	SourceAuthentication = "authentication"
	SourceHSM            = "hsm"
	SourceOrchestrator   = "orchestrator"
	SourceLifecycle      = "lifecycle"
)

type Logger struct {
	logger *slog.Logger
}

func DefaultLogger() *Logger {
	return NewLogger(slog.LevelDebug, nil)
}

// Creates a new logger that writes JSON records to the provided log file. When
// the level is debug, records are also written to stdout in text form.
func NewLogger(level slog.Level, logFile afero.File) *Logger {

	var out io.Writer = io.Discard
	if logFile != nil {
		out = logFile
	}

	logfileHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})

	if level != slog.LevelDebug {
		return &Logger{logger: slog.New(logfileHandler)}
	}

	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})

	return &Logger{
		logger: slog.New(slogmulti.Fanout(logfileHandler, textHandler)),
	}
}

// Returns a logger that includes the provided attributes on every record
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// Debug
func (l *Logger) Debug(message string, args ...any) {
	l.logger.Debug(message, args...)
}

func (l *Logger) Debugf(message string, args ...any) {
	l.logger.Debug(fmt.Sprintf(message, args...))
}

// Info
func (l *Logger) Info(message string, args ...any) {
	l.logger.Info(message, args...)
}

func (l *Logger) Infof(message string, args ...any) {
	l.logger.Info(fmt.Sprintf(message, args...))
}

// Warn
func (l *Logger) Warn(message string, args ...any) {
	l.logger.Warn(message, args...)
}

func (l *Logger) Warnf(message string, args ...any) {
	l.logger.Warn(fmt.Sprintf(message, args...))
}

// Error
func (l *Logger) Error(err error, args ...any) {
	if l == nil || l.logger == nil {
		// Error occurred before the logger was
		// initialized
		slog.Error(err.Error(), args...)
		return
	}
	xerr := xerrors.New(err)
	args = append(args, slog.Any("error", xerr))
	l.logger.Error(err.Error(), args...)
}

func (l *Logger) Errorf(message string, args ...any) {
	l.logger.Error(fmt.Sprintf(message, args...))
}

// Logs an error that the caller is able to recover from
func (l *Logger) MaybeError(err error, args ...any) {
	l.logger.Warn(err.Error(), args...)
}

// Fatal
func (l *Logger) Fatal(message string, args ...any) {
	l.logger.Log(context.Background(), LevelFatal, message, args...)
	os.Exit(-1)
}

func (l *Logger) Fatalf(message string, args ...any) {
	l.Fatal(fmt.Sprintf(message, args...))
}

func (l *Logger) FatalError(err error) {
	l.Error(err)
	os.Exit(-1)
}

// Logs a security issue with standardized fields to faciliate
// processing security issues by external systems.
func (l *Logger) Security(issue SecurityLogEntry) {
	if issue.Timestamp.IsZero() {
		issue.Timestamp = time.Now()
	}
	l.logger.LogAttrs(
		context.Background(),
		LevelSecurity,
		"security_log",
		slog.Time("timestamp", issue.Timestamp),
		slog.String("severity", issue.Severity),
		slog.String("category", issue.Category),
		slog.String("description", issue.Description),
		slog.String("details", issue.Details),
		slog.String("source", issue.Source),
		slog.String("user_id", issue.UserID),
		slog.String("correlation_id", issue.CorrelationID),
	)
}

// Renders the custom levels by name instead of slog's "ERROR+4" notation
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelFatal:
		a.Value = slog.StringValue("FATAL")
	case LevelSecurity:
		a.Value = slog.StringValue("SECURITY")
	}
	return a
}

// Parses a level name from configuration into a slog level
func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
