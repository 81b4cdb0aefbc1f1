// Package logging configures the global zerolog logger.
package logging

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/saltyorg/casedesk/internal/config"
)

const (
	DefaultLogFilePath = "casedesk.log"
	DefaultMaxSizeMB   = 50
	DefaultMaxBackups  = 5
	DefaultMaxAgeDays  = 30
	DefaultCompress    = true
)

const timeFormat = "2006-01-02 15:04:05"

// Apply sets the global log level and output writers (console + rotating file).
// Rotation comes from the registry settings when loader is set. An empty
// logFilePath logs to DefaultLogFilePath in the working directory.
func Apply(level string, loader *config.Loader, logFilePath string) {
	ApplyLevel(level)
	applyOutputs(loader, logFilePath)
}

// ApplyLevel sets the global level from its name, defaulting to info
func ApplyLevel(level string) {
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// ApplyConsole sets the level and logs to stderr only, for one-shot commands
func ApplyConsole(level string) {
	ApplyLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}).With().Timestamp().Logger()
}

// LevelFromVerbosity maps a repeated -v flag onto a level name
func LevelFromVerbosity(count int) string {
	switch {
	case count >= 2:
		return "trace"
	case count == 1:
		return "debug"
	default:
		return "info"
	}
}

// Rotation holds the lumberjack parameters
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RotationFrom reads rotation settings, ignoring out of range values
func RotationFrom(loader *config.Loader) Rotation {
	r := Rotation{
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAgeDays: DefaultMaxAgeDays,
		Compress:   DefaultCompress,
	}
	if loader == nil {
		return r
	}

	if val := loader.Int("log.max_size_mb", DefaultMaxSizeMB); val > 0 {
		r.MaxSizeMB = val
	}
	if val := loader.Int("log.max_backups", DefaultMaxBackups); val >= 0 {
		r.MaxBackups = val
	}
	if val := loader.Int("log.max_age_days", DefaultMaxAgeDays); val >= 0 {
		r.MaxAgeDays = val
	}
	r.Compress = loader.Bool("log.compress", DefaultCompress)
	return r
}

func applyOutputs(loader *config.Loader, logFilePath string) {
	rotation := RotationFrom(loader)

	if logFilePath == "" {
		logFilePath = DefaultLogFilePath
	}

	consoleOutput := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	log.Logger = zerolog.New(consoleOutput).With().Timestamp().Logger()

	if err := ensureLogDir(logFilePath); err != nil {
		log.Error().Err(err).Str("path", logFilePath).Msg("Failed to prepare log directory; logging to console only")
		return
	}

	fileWriter := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	fileConsole := zerolog.ConsoleWriter{
		Out:        fileWriter,
		TimeFormat: timeFormat,
		NoColor:    true,
	}

	multi := zerolog.MultiLevelWriter(consoleOutput, fileConsole)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
}

// FilePathForDB returns a log file path that lives alongside the registry database file.
func FilePathForDB(dbPath string) string {
	if dbPath == "" {
		return DefaultLogFilePath
	}
	absDBPath, err := filepath.Abs(dbPath)
	if err != nil {
		return filepath.Join(filepath.Dir(dbPath), DefaultLogFilePath)
	}
	return filepath.Join(filepath.Dir(absDBPath), DefaultLogFilePath)
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
