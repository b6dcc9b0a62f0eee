/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package logger constructs the logr.Logger used by all nova components.
//
// Console output always goes to stderr: when the debug adapter runs in stdio
// mode, stdout carries DAP frames and must never receive log text.
package logger

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// NOVA_DIAGNOSTICS_LOG_FILE points at a file receiving machine-readable
	// (JSON) diagnostics logs in addition to the console output.
	NOVA_DIAGNOSTICS_LOG_FILE = "NOVA_DIAGNOSTICS_LOG_FILE"

	// NOVA_DIAGNOSTICS_LOG_LEVEL sets the minimum level written to the
	// diagnostics log file (defaults to debug when the file is enabled).
	NOVA_DIAGNOSTICS_LOG_LEVEL = "NOVA_DIAGNOSTICS_LOG_LEVEL"

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New builds a named logger writing human-readable output to stderr and,
// when enabled through the environment, JSON diagnostics to a file.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	consoleAtomicLevel := zap.NewAtomicLevel()
	consoleAtomicLevel.SetLevel(zapcore.InfoLevel)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleAtomicLevel),
	}

	var diagnosticsLogErr error
	if logCore, err := getDiagnosticsLogCore(encoderConfig); err != nil {
		if !errors.Is(err, errDiagnosticsLogNotEnabled) {
			diagnosticsLogErr = err
		}
	} else {
		cores = append(cores, logCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...)).Named(name)
	logger := zapr.NewLogger(zapLogger)

	if diagnosticsLogErr != nil {
		logger.Error(diagnosticsLogErr, "failed to enable diagnostics log output")
	}

	return &Logger{
		Logger:      logger,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) WithName(name string) *Logger {
	l.Logger = l.Logger.WithName(name)
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// AddLevelFlag registers the -v/--verbosity flag controlling the console level.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
}

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

func getDiagnosticsLogCore(encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	logFile, found := os.LookupEnv(NOVA_DIAGNOSTICS_LOG_FILE)
	if !found || logFile == "" {
		return nil, errDiagnosticsLogNotEnabled
	}

	logLevel := zapcore.DebugLevel
	if levelStr, found := os.LookupEnv(NOVA_DIAGNOSTICS_LOG_LEVEL); found {
		parsed, err := StringToLevel(levelStr, zapcore.DebugLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to parse diagnostics log level: %w", err)
		}
		logLevel = parsed
	}

	logOutput, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open diagnostics log file: %w", err)
	}

	logEncoder := zapcore.NewJSONEncoder(encoderConfig)
	return zapcore.NewCore(logEncoder, zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}
