package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerInstance *zap.Logger
	loggerOnce     sync.Once
)

// NewLogger builds a structured logger.
// level: "debug", "info", "warn", "error" (default "info")
// format: "json" or "console" (default "json")
func NewLogger(level string, format string) (*zap.Logger, error) {
	var config zap.Config
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
		config.EncoderConfig.LevelKey = "level"
		config.EncoderConfig.MessageKey = "message"
		config.EncoderConfig.CallerKey = "caller"
		config.EncoderConfig.StacktraceKey = "stacktrace"
	}
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))

	return config.Build()
}

// Init replaces the process-wide logger. Call it once from main before GetInstance.
func Init(level string, format string) error {
	logger, err := NewLogger(level, format)
	if err != nil {
		return err
	}
	loggerOnce.Do(func() {})
	loggerInstance = logger
	return nil
}

func GetInstance() *zap.Logger {
	loggerOnce.Do(func() {
		if loggerInstance != nil {
			return
		}
		logger, err := NewLogger("info", "json")
		if err != nil {
			panic("Failed to initialize logger: " + err.Error())
		}
		loggerInstance = logger
	})
	return loggerInstance
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
