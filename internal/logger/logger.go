package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog for pipeline-wide logging.
type Logger struct {
	zerolog.Logger
	rotator *lumberjack.Logger
	stream  *streamSink
}

// Config holds logger configuration.
type Config struct {
	Level           string
	Format          string // "console" or "json"
	Path            string // directory for log files; empty disables the file sink
	MaxSizeMB       int    // max size in MB before rotation (default: 10)
	MaxBackups      int    // max number of old log files to keep (default: 5)
	MaxAgeDays      int    // max age in days to keep old files (default: 30)
	Compress        bool   // compress rotated files
	EnableStreaming bool   // buffer entries for the logs endpoint and websocket
	StreamBuffer    int    // entries kept for the logs endpoint (default: 500)
}

// IsDevBuild returns true if running via "go run" (development mode).
// Detected by the executable living under Go's temporary "go-build" dir.
func IsDevBuild() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	return strings.Contains(exe, "go-build")
}

// New creates the process logger. Console output always; a rotated file sink
// under cfg.Path when configured. Dev builds are raised to debug level.
func New(cfg Config) *Logger {
	var consoleOutput io.Writer

	if cfg.Format == "json" {
		consoleOutput = os.Stdout
	} else {
		consoleOutput = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if IsDevBuild() && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	sinks := []io.Writer{consoleOutput}
	var rotator *lumberjack.Logger
	var stream *streamSink

	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0755); err == nil {
			rotator = &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Path, "riven.log"),
				MaxSize:    defaultInt(cfg.MaxSizeMB, 10),
				MaxBackups: defaultInt(cfg.MaxBackups, 5),
				MaxAge:     defaultInt(cfg.MaxAgeDays, 30),
				Compress:   cfg.Compress,
				LocalTime:  true,
			}
			sinks = append(sinks, rotator)
		}
	}
	if cfg.EnableStreaming {
		stream = newStreamSink(cfg.StreamBuffer)
		sinks = append(sinks, stream)
	}

	var output io.Writer = sinks[0]
	if len(sinks) > 1 {
		output = io.MultiWriter(sinks...)
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{Logger: logger, rotator: rotator, stream: stream}
}

// SetBroadcastHub connects the streaming sink to a websocket hub. Entries
// logged before the hub is attached stay available through RecentLogs.
func (l *Logger) SetBroadcastHub(hub Broadcaster) {
	if l.stream != nil {
		l.stream.setHub(hub)
	}
}

// RecentLogs returns the buffered entries, oldest first. Nil when streaming
// is disabled.
func (l *Logger) RecentLogs() []LogEntry {
	if l.stream == nil {
		return nil
	}
	return l.stream.recent()
}

// Close closes the log file if one is open.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// WithComponent returns a child logger tagged with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("component", component).Logger(),
	}
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
