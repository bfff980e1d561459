// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level      string
	Format     string // "auto", "console" or "json"
	File       string
	WithCaller bool
	// MaxSizeMB and MaxBackups apply when File is set.
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel converts a string level into zerolog.Level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// stderrIsTerminal is swapped in tests.
var stderrIsTerminal = func() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Writer builds the output described by s. Output goes to stderr unless File is
// set. "auto" picks console on a terminal and json otherwise.
func Writer(s Settings) (io.Writer, error) {
	var out io.Writer = os.Stderr
	if s.File != "" {
		maxSize := s.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		backups := s.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		out = &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
	}
	format := strings.ToLower(s.Format)
	if format == "auto" {
		format = "json"
		if s.File == "" && stderrIsTerminal() {
			format = "console"
		}
	}
	switch format {
	case "", "console", "text":
		if s.File != "" {
			return zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}, nil
		}
		return zerolog.ConsoleWriter{Out: out, NoColor: !stderrIsTerminal(), TimeFormat: time.Kitchen}, nil
	case "json":
		return out, nil
	default:
		return nil, errors.Errorf("unknown log format %q", s.Format)
	}
}

// Init replaces the global logger.
func Init(s Settings) error {
	w, err := Writer(s)
	if err != nil {
		return err
	}
	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	zerolog.SetGlobalLevel(ParseLevel(s.Level))
	log.Logger = ctx.Logger()
	return nil
}

// InitFromViper reads log-level, log-format, log-file and log-caller.
func InitFromViper(v *viper.Viper) error {
	if v == nil {
		v = viper.GetViper()
	}
	return Init(Settings{
		Level:      v.GetString("log-level"),
		Format:     v.GetString("log-format"),
		File:       v.GetString("log-file"),
		WithCaller: v.GetBool("log-caller"),
	})
}
