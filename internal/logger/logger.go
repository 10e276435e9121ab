package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with a runtime-adjustable level
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// Config contains logger configuration
type Config struct {
	Level  string
	Format string // json or console
	File   *FileConfig
}

// FileConfig contains file logging configuration
type FileConfig struct {
	Enabled bool
	Path    string
}

// New builds a logger writing to stderr, and also to a JSON file when
// config.File is enabled. All cores share one atomic level.
func New(config Config) (*Logger, error) {
	parsed, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(parsed)

	// stderr keeps stdout free for CLI output
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(config.Format), zapcore.Lock(os.Stderr), level),
	}

	if config.File != nil && config.File.Enabled {
		sink, err := openLogFile(config.File.Path)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder("json"), sink, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{Logger: logger, level: level}, nil
}

func newEncoder(format string) zapcore.Encoder {
	if format == "console" {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.MillisDurationEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func openLogFile(path string) (zapcore.WriteSyncer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(parsed)
	return nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// WithRequestID adds a request ID to the logger context
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("request_id", requestID)), level: l.level}
}

// WithComponent adds a component name to the logger context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("component", component)), level: l.level}
}

// LogRequest logs a completed HTTP request. Credentials in headers are
// replaced with [REDACTED]. 503 and 4xx log at warn, other 5xx at error;
// request logs never carry a stacktrace.
func (l *Logger) LogRequest(method, path string, headers map[string][]string, status int, duration time.Duration) {
	redacted := make(map[string]string, len(headers))
	for name, values := range headers {
		switch {
		case isSensitiveHeader(name):
			redacted[name] = "[REDACTED]"
		case len(values) > 0:
			redacted[name] = values[0]
		}
	}

	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.Any("headers", redacted),
	}

	log := l.Logger.WithOptions(zap.AddStacktrace(zapcore.FatalLevel))
	switch {
	case status >= 500 && status != 503:
		log.Error("HTTP request", fields...)
	case status >= 400:
		log.Warn("HTTP request", fields...)
	default:
		log.Info("HTTP request", fields...)
	}
}

var sensitiveHeaderParts = []string{"authorization", "api-key", "cookie", "token", "bearer", "secret"}

func isSensitiveHeader(header string) bool {
	lower := strings.ToLower(header)
	for _, part := range sensitiveHeaderParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
