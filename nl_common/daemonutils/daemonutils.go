/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Package daemonutils carries logging setup shared by the daemon and its
// helper commands.
package daemonutils

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/ssh/terminal"
)

type logType string

const (
	logTypeAuto logType = ""
	logTypeDev  logType = "dev"
	logTypeProd logType = "prod"
)

var (
	globalLog        *zap.Logger
	globalSugaredLog *zap.SugaredLogger
	globalLevel      zap.AtomicLevel
	levelFlag        *zapcore.Level
	logTypeFlag      logType
)

func (l *logType) String() string {
	switch *l {
	case logTypeDev:
		return "development"
	case logTypeProd:
		return "production"
	default:
		return "auto"
	}
}

func (l *logType) Set(s string) error {
	ss := strings.ToLower(s)
	if strings.HasPrefix(ss, "dev") {
		*l = logTypeDev
		return nil
	} else if strings.HasPrefix(ss, "pro") {
		*l = logTypeProd
		return nil
	}
	return fmt.Errorf("unknown log type %q; try [dev|prod]", s)
}

func init() {
	levelFlag = zap.LevelFlag("log-level", zapcore.InfoLevel,
		"Log level [debug,info,warn,error,panic,fatal]")
	flag.Var(&logTypeFlag, "log-type", "Logging style [dev|prod]")
}

// SetLevel overrides the log level after setup, e.g. from the LOG_LEVEL
// environment setting.
func SetLevel(level string) error {
	var l zapcore.Level
	if err := l.Set(strings.ToLower(level)); err != nil {
		return err
	}
	globalLevel.SetLevel(l)
	return nil
}

// SetupLogs creates a pair of zap loggers-- one structured and one
// "sugared" for use by the daemon.
func SetupLogs() (*zap.Logger, *zap.SugaredLogger) {
	var log *zap.Logger
	var err error

	if globalLog != nil {
		return GetLogs()
	}

	lt := logTypeFlag
	if lt == logTypeAuto {
		if terminal.IsTerminal(int(os.Stderr.Fd())) {
			lt = logTypeDev
		} else {
			lt = logTypeProd
		}
	}

	globalLevel = zap.NewAtomicLevelAt(*levelFlag)
	if lt == logTypeDev {
		config := zap.NewDevelopmentConfig()
		config.Level = globalLevel
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		log, err = config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		config := zap.NewProductionConfig()
		config.Level = globalLevel
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		log, err = config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if err != nil {
		panic("can't zap")
	}
	globalLog = log
	globalSugaredLog = globalLog.Sugar()
	return GetLogs()
}

// ResetupLogs is intended for use after flag.Parse() has been called by
// the application, since the flags passed may necessitate rebuild of the
// loggers.
func ResetupLogs() (*zap.Logger, *zap.SugaredLogger) {
	globalLog = nil
	globalSugaredLog = nil
	return SetupLogs()
}

// GetLogs returns the current global pair of loggers.
func GetLogs() (*zap.Logger, *zap.SugaredLogger) {
	return globalLog, globalSugaredLog
}
