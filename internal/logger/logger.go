// Copyright 2025 The sectorfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger is a leveled wrapper around log/slog, offering text or
// JSON output and optional lumberjack-rotated file output. TRACE sits
// below slog's built-in Debug level; OFF silences everything.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names accepted by Init.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// Custom slog levels. TRACE is finer than slog's built-in Debug; OFF is
// coarser than its built-in Error so that setting it silences everything.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

func severityToLevel(severity slog.Level) string {
	switch {
	case severity < LevelDebug:
		return "TRACE"
	case severity < LevelInfo:
		return "DEBUG"
	case severity < LevelWarn:
		return "INFO"
	case severity < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// RotateConfig mirrors lumberjack's rotation knobs.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultRotateConfig matches lumberjack's own defaults (100MB, no
// backup cap, uncompressed).
func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 100, BackupFileCount: 0, Compress: false}
}

type loggerFactory struct {
	file            *os.File
	sysWriter       io.Writer
	level           string
	format          string
	logRotateConfig RotateConfig
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return &lumberjack.Logger{
			Filename:   f.file.Name(),
			MaxSize:    f.logRotateConfig.MaxFileSizeMB,
			MaxBackups: f.logRotateConfig.BackupFileCount,
			Compress:   f.logRotateConfig.Compress,
		}
	}
	if f.sysWriter != nil {
		return f.sysWriter
	}
	return os.Stdout
}

func levelFor(severity string) slog.Level {
	switch severity {
	case TRACE:
		return LevelTrace
	case DEBUG:
		return LevelDebug
	case INFO:
		return LevelInfo
	case WARNING:
		return LevelWarn
	case ERROR:
		return LevelError
	default:
		return LevelOff
	}
}

func setLoggingLevel(severity string, programLevel *slog.LevelVar) {
	programLevel.Set(levelFor(severity))
}

// severityHandler renders records as "severity=LEVEL message=..." (text)
// or as a timestamped JSON object, translating slog's numeric level back
// to the five named severities plus a synthetic TRACE.
type severityHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	format string
	prefix string
}

func (h *severityHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.level.Level() < LevelOff
}

func (h *severityHandler) Handle(_ context.Context, r slog.Record) error {
	sev := severityToLevel(r.Level)
	if h.format == "json" {
		_, err := fmt.Fprintf(h.w, "{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
			r.Time.Unix(), r.Time.Nanosecond(), sev, h.prefix+r.Message)
		return err
	}
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n", r.Time.Format(time.RFC3339Nano), sev, h.prefix+r.Message)
	return err
}

func (h *severityHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *severityHandler) WithGroup(name string) slog.Handler { return h }

func (f *loggerFactory) createJSONOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	format := f.format
	if format != "text" {
		format = "json"
	}
	return &severityHandler{w: w, level: level, format: format, prefix: prefix}
}

var (
	programLevel         = new(slog.LevelVar)
	defaultLoggerFactory = &loggerFactory{level: INFO, format: "json", logRotateConfig: DefaultRotateConfig()}
	defaultLogger        = slog.New(defaultLoggerFactory.createJSONOrTextHandler(os.Stdout, programLevel, ""))
)

// Init configures the package-level logger's severity and format. Output
// goes to stdout unless InitLogFile has redirected it to a rotated file.
func Init(severity, format string) {
	defaultLoggerFactory.level = severity
	if format != "" {
		defaultLoggerFactory.format = format
	}
	setLoggingLevel(severity, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler(defaultLoggerFactory.writer(), programLevel, ""))
}

// InitLogFile redirects output to path, rotated per rotate, keeping the
// currently configured severity and format.
func InitLogFile(path string, rotate RotateConfig) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open %s: %w", path, err)
	}
	defaultLoggerFactory.file = f
	defaultLoggerFactory.logRotateConfig = rotate
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler(defaultLoggerFactory.writer(), programLevel, ""))
	return nil
}

// SetLogFormat switches between "text" and "json" (the default for any
// other value, including "").
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createJSONOrTextHandler(defaultLoggerFactory.writer(), programLevel, ""))
}

func Tracef(format string, args ...any) { defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }
