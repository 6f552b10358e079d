package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	lg   *zap.Logger
	once sync.Once
)

// Options configures the process logger.
type Options struct {
	Env        string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns the process-wide zap.Logger, built on first call. When File is set, records are
// also written as JSON to a lumberjack-rotated file.
func New(opts Options) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		lg, err = build(opts)
	})
	return lg, err
}

func build(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Env != "production" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = level
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if opts.File == "" {
		return base, nil
	}

	fileEncoder := zap.NewProductionEncoderConfig()
	fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
	rotating := zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), rotating, cfg.Level)

	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

// WithContext attaches request scoped fields to the logger.
func WithContext(ctx context.Context) *zap.Logger {
	if lg == nil {
		lz, _ := zap.NewDevelopment()
		return lz
	}

	if ctx == nil {
		return lg
	}

	fields := []zap.Field{zap.String("request_id", requestIDFromContext(ctx))}
	if principal, ok := ctx.Value(PrincipalKey{}).(string); ok && principal != "" {
		fields = append(fields, zap.String("principal_id", principal))
	}
	return lg.With(fields...)
}

// Sync flushes buffered entries; errors from syncing stdout on some platforms are ignored.
func Sync() {
	if lg != nil {
		_ = lg.Sync()
	}
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return val
	}
	return ""
}

// RequestIDKey is used to store a request identifier on the context.
type RequestIDKey struct{}

// PrincipalKey stores the authenticated principal id on the context.
type PrincipalKey struct{}

// MaskIP keeps the first two octets of an IPv4 address or the first four groups of an IPv6 one.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}

	if strings.Contains(ip, ".") {
		parts := strings.Split(ip, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + ".*.*"
		}
	}

	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) >= 4 {
			return strings.Join(parts[:4], ":") + ":*:*:*:*"
		}
	}

	return "***"
}

// MaskString shows the first and last two characters, e.g. payment method references.
func MaskString(s string) string {
	if s == "" {
		return ""
	}

	length := len(s)
	if length <= 4 {
		return "***"
	}

	return s[:2] + "***" + s[length-2:]
}
