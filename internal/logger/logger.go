package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	mu   sync.Mutex
	once sync.Once
)

// Init initializes the global logger with console output only
func Init(debug bool) {
	once.Do(func() {
		set(build(debug, ""))
	})
}

// InitWithFile initializes the global logger with console output and a
// rotated JSON log file
func InitWithFile(debug bool, logFile string) {
	once.Do(func() {
		set(build(debug, logFile))
	})
}

// build creates the console core and, when logFile is set, a JSON file core
// rotated by lumberjack
func build(debug bool, logFile string) *zap.Logger {
	level := zapcore.InfoLevel
	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		level = zapcore.DebugLevel
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level),
	}

	if logFile != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    20, // MB
				MaxBackups: 10,
				MaxAge:     14, // days
				Compress:   true,
			}),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

func set(l *zap.Logger) {
	mu.Lock()
	log = l
	mu.Unlock()
}

// Get returns the global logger, initializing a console logger on first use
func Get() *zap.Logger {
	Init(false)
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		log = zap.NewNop()
	}
	return log
}

// Replace swaps the global logger and returns a function restoring the
// previous one. Tests use it with zaptest or zap.NewNop.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := log
	log = l
	mu.Unlock()
	once.Do(func() {})
	return func() { set(prev) }
}

// Sync flushes any buffered log entries
func Sync() {
	_ = Get().Sync()
}
