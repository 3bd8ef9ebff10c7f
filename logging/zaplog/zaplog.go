// Package zaplog adapts go.uber.org/zap to eventserver.Logger.
//
// Values logged under credential-like keys are redacted and values under
// personal keys (email, user id) are replaced by a short salted hash, so logs
// can still correlate a partner without printing the address.
package zaplog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fortium/eventserver"
)

var _ eventserver.Logger = (*Logger)(nil)

// Logger is a zap SugaredLogger exposed through eventserver.Logger.
type Logger struct {
	sugar  *zap.SugaredLogger
	redact bool
	salt   string
}

// Option configures a Logger.
type Option func(*Logger)

// WithRedaction turns key-based redaction on or off. It is on by default.
func WithRedaction(on bool) Option {
	return func(l *Logger) {
		l.redact = on
	}
}

// WithHashSalt salts hashed values.
func WithHashSalt(salt string) Option {
	return func(l *Logger) {
		l.salt = salt
	}
}

// New builds a logger. mode "prod"/"production" selects JSON output, anything
// else the console development encoder. level is a zap level name; empty
// means info.
func New(mode, level string, opts ...Option) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("zaplog: invalid level %q: %w", level, err)
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("zaplog: build: %w", err)
	}
	return Wrap(z, opts...), nil
}

// Wrap adapts an existing zap logger.
func Wrap(z *zap.Logger, opts ...Option) *Logger {
	l := &Logger{sugar: z.Sugar(), redact: true}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return Wrap(zap.NewNop())
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, l.sanitize(keysAndValues)...)
}

// With returns a child logger carrying keysAndValues on every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(l.sanitize(keysAndValues)...), redact: l.redact, salt: l.salt}
}

// Zap returns the underlying logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

func (l *Logger) sanitize(kv []interface{}) []interface{} {
	if !l.redact || len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := toString(kv[i])
		out = append(out, key, l.sanitizeValue(strings.ToLower(key), kv[i+1]))
	}
	return out
}

func (l *Logger) sanitizeValue(key string, val interface{}) interface{} {
	switch {
	case isRedactKey(key):
		return "[REDACTED]"
	case isHashKey(key):
		return l.hash(val)
	}
	return val
}

func isRedactKey(key string) bool {
	for _, s := range []string{"token", "authorization", "password", "secret", "cookie", "apikey", "api_key"} {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func isHashKey(key string) bool {
	return strings.Contains(key, "email") || strings.Contains(key, "userid") || strings.Contains(key, "user_id")
}

func (l *Logger) hash(val interface{}) string {
	raw := toString(val)
	if raw == "" {
		return ""
	}
	h := sha256.New()
	_, _ = h.Write([]byte(l.salt))
	_, _ = h.Write([]byte(raw))
	return "hash:" + hex.EncodeToString(h.Sum(nil))[:12]
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}
