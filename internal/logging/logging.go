// Package logging builds the zap loggers used across trizwire.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConsoleClip bounds string values printed to the terminal.
const DefaultConsoleClip = 8 << 10

// Options configure New.
type Options struct {
	Level string
	// JSON switches the terminal output to the JSON encoder.
	JSON bool
	// File, when set, receives every entry as JSON with values unclipped.
	File string
	// ConsoleClip truncates long string values on the terminal only.
	// Zero means DefaultConsoleClip, negative disables clipping.
	ConsoleClip int
}

// New builds a sugared logger writing to stderr and, optionally, to a log
// file. The returned func closes the file.
func New(opts Options) (*zap.SugaredLogger, func(), error) {
	lvl := parseLevel(opts.Level)

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encCfg.EncodeCaller = nil
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var console zapcore.Core = zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(os.Stderr)), lvl)
	clip := opts.ConsoleClip
	if clip == 0 {
		clip = DefaultConsoleClip
	}
	if clip > 0 {
		console = clipCore{Core: console, max: clip}
	}

	if opts.File == "" {
		return zap.New(console).Sugar(), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "creating log directory")
	}
	sink, closeFile, err := zap.Open(opts.File)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening log file %s", opts.File)
	}
	file := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, lvl)

	return zap.New(zapcore.NewTee(console, file)).Sugar(), closeFile, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// clipCore truncates long string fields before they reach the wrapped core.
type clipCore struct {
	zapcore.Core
	max int
}

func (c clipCore) With(fields []zapcore.Field) zapcore.Core {
	return clipCore{Core: c.Core.With(c.clip(fields)), max: c.max}
}

func (c clipCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c clipCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, c.clip(fields))
}

func (c clipCore) clip(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if f.Type != zapcore.StringType || len(f.String) <= c.max {
			continue
		}
		if out == nil {
			out = append([]zapcore.Field(nil), fields...)
		}
		out[i].String = f.String[:c.max] + "...(truncated)"
	}
	if out == nil {
		return fields
	}
	return out
}
