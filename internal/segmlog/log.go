// Copyright (c) 2018, Postgres Professional

package segmlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is handed explicitly to every component; there is no package-level
// instance.
type Logger struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
}

func GetLogger() *Logger {
	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	config := zap.Config{
		Level: level,
		// well, don't panic in DPanic and something else
		Development: false,
		// print file name and line always
		DisableCaller: false,
		// never print stacktrace
		DisableStacktrace: true,
		// plain text logging
		Encoding:      "console",
		EncoderConfig: zap.NewDevelopmentEncoderConfig(),
		OutputPaths:   []string{"stderr"},
		// for logger errors itself
		ErrorOutputPaths: []string{"stderr"},
	}

	zlogger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return &Logger{SugaredLogger: zlogger.Sugar(), level: level}
}

// NewNop returns a logger which discards everything, for tests mostly.
func NewNop() *Logger {
	return &Logger{
		SugaredLogger: zap.NewNop().Sugar(),
		level:         zap.NewAtomicLevelAt(zapcore.ErrorLevel),
	}
}

func (l *Logger) SetLevel(level string) error {
	switch level {
	case "error":
		l.level.SetLevel(zap.ErrorLevel)
	case "warn":
		l.level.SetLevel(zap.WarnLevel)
	case "info":
		l.level.SetLevel(zap.InfoLevel)
	case "debug":
		l.level.SetLevel(zap.DebugLevel)
	default:
		return fmt.Errorf("invalid log level: %v", level)
	}
	return nil
}

func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// With returns a child logger sharing the level of l.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), level: l.level}
}

func GetLoggerWithLevel(level string) *Logger {
	l := GetLogger()
	if err := l.SetLevel(level); err != nil {
		l.Fatalf("%v", err)
	}
	return l
}
