// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DebugLevel is the debug log level, i.e. the most verbose.
	DebugLevel = "debug"
	// InfoLevel is the default log level.
	InfoLevel = "info"
	// ErrorLevel is a log level where only errors are logged.
	ErrorLevel = "error"

	// FormatJSON is the output format that produces a JSON object per log line.
	FormatJSON = "json"
	// FormatText is the output format that produces plain text logs.
	FormatText = "text"
)

// Options configure optional sinks of the logger.
type Options struct {
	// File enables logging to the given path in addition to stderr. Files are
	// rotated at MaxSizeMB.
	File string
	// MaxSizeMB is the rotation threshold for File. Zero means 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Zero means 5.
	MaxBackups int
}

// MustNewZapLogger is like NewZapLogger but panics on invalid level or format.
func MustNewZapLogger(level, format string, opts ...Options) logr.Logger {
	log, err := NewZapLogger(level, format, opts...)
	if err != nil {
		panic(err)
	}
	return log
}

// NewZapLogger creates a logr.Logger backed by zap with the given level
// (debug, info, error) and format (json, text). All process components log
// through the returned logger; there is no global logger.
func NewZapLogger(level, format string, opts ...Options) (logr.Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch format {
	case "", FormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case FormatText:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return logr.Discard(), fmt.Errorf("invalid log format %q", format)
	}

	sink := zapcore.AddSync(os.Stderr)
	if len(opts) > 0 && opts[0].File != "" {
		o := opts[0]
		if o.MaxSizeMB == 0 {
			o.MaxSizeMB = 100
		}
		if o.MaxBackups == 0 {
			o.MaxBackups = 5
		}
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
		})
		sink = zapcore.NewMultiWriteSyncer(sink, rotating)
	}

	core := zapcore.NewCore(encoder, sink, zapLevel)
	return zapr.NewLogger(zap.New(core, zap.AddCaller())), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel, nil
	case "", InfoLevel:
		return zapcore.InfoLevel, nil
	case ErrorLevel:
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

// ValidateLevel returns an error if the given level is not supported.
func ValidateLevel(level string) error {
	_, err := parseLevel(level)
	return err
}

// ValidateFormat returns an error if the given format is not supported.
func ValidateFormat(format string) error {
	switch format {
	case "", FormatJSON, FormatText:
		return nil
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
}
