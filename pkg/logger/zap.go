// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
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
	// FormatText is the output format that produces a plain text log line.
	FormatText = "text"
)

// MustNewZapLogger is like NewZapLogger but panics on invalid input.
func MustNewZapLogger(level string, format string) logr.Logger {
	logger, err := NewZapLogger(level, format)
	if err != nil {
		panic(err)
	}
	return logger
}

// NewZapLogger creates a new logr.Logger backed by zap with the given level
// and format. Use NewZapLoggerWithAtomicLevel to obtain the AtomicLevel for
// changing the level at runtime (e.g. when the operator updates the
// log_level setting).
func NewZapLogger(level string, format string) (logr.Logger, error) {
	logger, _, err := NewZapLoggerWithAtomicLevel(level, format)
	return logger, err
}

// NewZapLoggerWithAtomicLevel creates a new logr.Logger and exposes the
// underlying zap.AtomicLevel for runtime level changes.
func NewZapLoggerWithAtomicLevel(level string, format string) (logr.Logger, zap.AtomicLevel, error) {
	atomicLevel := zap.NewAtomicLevel()

	zapLevel, err := ParseLevel(level)
	if err != nil {
		return logr.Logger{}, atomicLevel, err
	}
	atomicLevel.SetLevel(zapLevel)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch format {
	case FormatText:
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case FormatJSON, "":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return logr.Logger{}, atomicLevel, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), atomicLevel)
	zapLogger := zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	return zapr.NewLogger(zapLogger), atomicLevel, nil
}

// ParseLevel maps a porpulsion log level string (case-insensitive) to a zap
// level. The empty string defaults to info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case DebugLevel:
		return zapcore.DebugLevel, nil
	case InfoLevel, "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case ErrorLevel:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
}
