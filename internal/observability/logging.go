package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/model"
)

// ServiceName is attached to every log line.
const ServiceName = "signet"

// redactedValue replaces sensitive values in logged payloads.
const redactedValue = "[REDACTED]"

type loggerKey struct{}

// NewLogger creates the service logger. LogFormat "console" gives
// human-readable output for local development; anything else is JSON.
//
// Log level usage conventions:
//   - error: store or audit failures, unhandled panics, 5xx responses
//   - warn:  4xx responses, failed notifications, lock and idempotency store trouble
//   - info:  request completion, request status transitions, scheduler work
//   - debug: redacted payloads of undelivered notifications and buffered audit entries
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if strings.EqualFold(cfg.LogFormat, "console") {
		encoding = "console"
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": ServiceName},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger enriched with the caller's
// subject, correlation ID, IP address and trace ID. On signing links the
// subject is the recipient.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", rctx.IPAddress))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// sensitiveKeys are payload keys whose values never reach the logs,
// compared case-insensitively.
var sensitiveKeys = map[string]bool{
	"accesstoken":       true,
	"access_token":      true,
	"token":             true,
	"authorization":     true,
	"verificationcode":  true,
	"verification_code": true,
	"code":              true,
	"signaturedata":     true,
	"signature_data":    true,
	"phonenumber":       true,
	"phone_number":      true,
}

// IsSensitive reports whether values under key are masked by Redacted.
func IsSensitive(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// Redacted returns a field that logs v as an object with access tokens,
// verification codes, signature data and phone numbers masked. v is a
// map[string]any or any value that encodes to a JSON object, such as a
// notification.
func Redacted(key string, v any) zap.Field {
	return zap.Object(key, redactedObject{v: v})
}

type redactedObject struct{ v any }

func (o redactedObject) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	m, err := asMap(o.v)
	if err != nil {
		return err
	}
	for k, val := range m {
		if IsSensitive(k) {
			enc.AddString(k, redactedValue)
			continue
		}
		var err error
		switch nested := val.(type) {
		case map[string]any:
			err = enc.AddObject(k, redactedObject{v: nested})
		case []any:
			err = enc.AddArray(k, redactedArray(nested))
		default:
			err = enc.AddReflected(k, val)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type redactedArray []any

func (a redactedArray) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, item := range a {
		var err error
		switch nested := item.(type) {
		case map[string]any:
			err = enc.AppendObject(redactedObject{v: nested})
		case []any:
			err = enc.AppendArray(redactedArray(nested))
		default:
			err = enc.AppendReflected(item)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func asMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T for logging: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%T does not encode to an object: %w", v, err)
	}
	return m, nil
}
