package observ

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process-wide structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`        // debug | info | warn | error
	File       string `yaml:"file"`         // optional rotating log file, stdout only when empty
	MaxSizeMB  int    `yaml:"max_size_mb"`  // rotate after this many megabytes
	MaxBackups int    `yaml:"max_backups"`  // rotated files to keep
	MaxAgeDays int    `yaml:"max_age_days"` // days to keep rotated files
	Compress   bool   `yaml:"compress"`
}

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout, logrus.InfoLevel)
)

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "event",
		},
	})
	return l
}

// Init configures the logger from cfg. Safe to call more than once.
func Init(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	writers := []io.Writer{os.Stdout}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	logMu.Lock()
	logger = newLogger(io.MultiWriter(writers...), level)
	logMu.Unlock()
	return nil
}

// SetOutput redirects all log output, mainly for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger.SetOutput(w)
}

func current() *logrus.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log writes one JSON line carrying event and kv at info level.
func Log(event string, kv map[string]any) {
	current().WithFields(logrus.Fields(kv)).Info(event)
}

// Debug is Log at debug level.
func Debug(event string, kv map[string]any) {
	current().WithFields(logrus.Fields(kv)).Debug(event)
}

// Warn is Log at warn level.
func Warn(event string, kv map[string]any) {
	current().WithFields(logrus.Fields(kv)).Warn(event)
}

// Error logs event at error level with err attached.
func Error(event string, err error, kv map[string]any) {
	current().WithFields(logrus.Fields(kv)).WithError(err).Error(event)
}
