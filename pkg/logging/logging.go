// Package logging configures the global zerolog logger from CLI settings.
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
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // auto, console or json
	File       string `mapstructure:"file" yaml:"file"`
	WithCaller bool   `mapstructure:"with-caller" yaml:"with-caller"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "auto"}
}

// Init replaces log.Logger. Logs go to stderr, or to a rotated file when
// File is set, so they never mix with command output on stdout.
func Init(s Settings) error {
	level := zerolog.InfoLevel
	if s.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	w, err := writer(s)
	if err != nil {
		return err
	}
	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}

func writer(s Settings) (io.Writer, error) {
	var out io.Writer = os.Stderr
	tty := isatty.IsTerminal(os.Stderr.Fd())
	if s.File != "" {
		out = &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		tty = false
	}
	switch strings.ToLower(s.Format) {
	case "", "auto":
		if tty {
			return zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}, nil
		}
		return out, nil
	case "console", "text":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: !tty}, nil
	case "json":
		return out, nil
	default:
		return nil, errors.Errorf("unknown log format %q", s.Format)
	}
}
