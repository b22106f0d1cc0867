package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm/logger"
)

// New returns a JSON zap logger writing to stdout at the given level.
// Unknown levels fall back to info.
func New(level string) *zap.Logger {
	logLevel := zapcore.InfoLevel
	if err := logLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		logLevel = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		logLevel,
	)

	return zap.New(
		consoleCore,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// GormLogger routes GORM's SQL trace through zap at debug level.
func GormLogger(log *zap.Logger, level string) logger.Interface {
	logLevel := logger.Warn
	switch strings.ToLower(level) {
	case "debug":
		logLevel = logger.Info
	case "silent":
		logLevel = logger.Silent
	}

	return logger.New(
		zapWriter{logger: log.Named("gorm").Sugar()},
		logger.Config{
			SlowThreshold:             0,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
}

// zapWriter implements the logger.Writer interface using Zap logger
type zapWriter struct {
	logger *zap.SugaredLogger
}

// Printf implements the logger.Writer interface
func (w zapWriter) Printf(message string, data ...interface{}) {
	w.logger.Debugf(message, data...)
}
