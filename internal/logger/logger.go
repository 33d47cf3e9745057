package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig controls the structured application logger.
type SlogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes file destinations. If Path is empty and Dir is set,
// the application log goes to Dir/staffsync.log and service logs to
// Dir/<service>.log. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the unified logging configuration.
type Config struct {
	Slog SlogConfig `mapstructure:",squash"`
	File FileConfig `mapstructure:"file"`
	// Stdout overrides the console destination (tests).
	Stdout io.Writer `mapstructure:"-"`
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks level and format names.
func (c Config) Validate() error {
	switch strings.ToLower(c.Slog.Level) {
	case "", LevelDebug, LevelInfo, LevelWarn, "warning", LevelError:
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Slog.Level)
	}
	switch strings.ToLower(c.Slog.Format) {
	case "", FormatText, FormatJSON:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Slog.Format)
	}
	return nil
}

// FileWriter returns a rotating writer for name, or nil when file logging is
// not configured. name "" selects the application log.
func (c FileConfig) FileWriter(name string) io.WriteCloser {
	var path string
	switch {
	case name == "" && c.Path != "":
		path = c.Path
	case c.Dir != "":
		base := name
		if base == "" {
			base = "staffsync"
		}
		path = filepath.Join(c.Dir, base+".log")
	default:
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func (c Config) stdout() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

func (c Config) handler(w io.Writer, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Slog.Level),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	if strings.EqualFold(c.Slog.Format, FormatJSON) {
		return slog.NewJSONHandler(w, opts)
	}
	if color {
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

// NewSlogger builds the application logger. Console output may be colored;
// the rotated file copy never is.
func (c Config) NewSlogger() *slog.Logger {
	console := c.handler(c.stdout(), c.Slog.Color)
	fw := c.File.FileWriter("")
	if fw == nil {
		return slog.New(console)
	}
	return slog.New(fanout{console, c.handler(fw, false)})
}

// NewServiceLogger returns a logger for one supervised service. With a log
// directory configured, records also go to Dir/<name>.log.
func (c Config) NewServiceLogger(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	l := base.With("service", name)
	if c.File.Dir == "" {
		return l
	}
	fw := c.File.FileWriter(name)
	if fw == nil {
		return l
	}
	return slog.New(fanout{l.Handler(), c.handler(fw, false).WithAttrs([]slog.Attr{slog.String("service", name)})})
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
