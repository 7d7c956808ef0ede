package logging

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

// prevents differences when adding new constants
const loggerKey ctxKey = iota

var (
	defaultLogger     atomic.Pointer[zap.Logger]
	defaultLoggerOnce sync.Once
)

// Options tunes the logger built by NewLogger.
// Empty fields fall back to the GATEWAY_ENV and LOG_LEVEL environment variables.
type Options struct {
	Level       string // debug | info | warn | error
	Development bool
}

// NewLogger builds the gateway logger.
func NewLogger(opts Options) *zap.Logger {
	env := strings.ToLower(os.Getenv("GATEWAY_ENV"))

	var config zap.Config

	if opts.Development || env == "dev" || env == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		//to see who calls it
		config.DisableCaller = false
	}

	logLevel := opts.Level
	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}

	if logLevel != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logLevel)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	logger, err := config.Build()
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	return logger
}

// SetDefault replaces the process logger returned by DefaultLogger.
// Safe to call while other goroutines log.
func SetDefault(logger *zap.Logger) {
	if logger != nil {
		defaultLogger.Store(logger)
	}
}

// Singleton logger
func DefaultLogger() *zap.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultLoggerOnce.Do(func() {
		defaultLogger.CompareAndSwap(nil, NewLogger(Options{}))
	})
	return defaultLogger.Load()
}

// attach a logger to context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

//retrieve logger from context

func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}

	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	logger := FromContext(ctx).With(fields...)
	return WithLogger(ctx, logger)
}
