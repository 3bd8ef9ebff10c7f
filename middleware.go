package eventserver

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/fortium/eventserver/internal/idgen"
)

// MiddlewareFunc is the function signature for command middleware.
type MiddlewareFunc func(ctx context.Context, cmd Command) (*CommandResult, error)

// Middleware wraps a handler function with additional functionality.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware creates a single middleware from multiple middleware.
// The first middleware is the outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}

// RecoveryMiddleware turns a panic below it into a PanicError.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result *CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = NewPanicError(cmd.Type, r, string(debug.Stack()))
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs command execution.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			start := time.Now()

			m.logger.Debug("Dispatching command",
				"type", cmd.Type,
				"streamId", cmd.StreamID(),
				"correlationId", cmd.Metadata.CorrelationID,
			)

			result, err := next(ctx, cmd)
			duration := time.Since(start)

			switch KindOf(err) {
			case "":
				m.logger.Info("Command completed",
					"type", cmd.Type,
					"streamId", cmd.StreamID(),
					"duration", duration,
					"version", result.Version,
					"events", len(result.Events),
					"retried", result.Retried,
				)
			case KindValidation, KindBusinessRule, KindCancelled:
				m.logger.Warn("Command rejected",
					"type", cmd.Type,
					"streamId", cmd.StreamID(),
					"duration", duration,
					"kind", KindOf(err),
					"error", err,
				)
			default:
				m.logger.Error("Command failed",
					"type", cmd.Type,
					"streamId", cmd.StreamID(),
					"duration", duration,
					"kind", KindOf(err),
					"error", err,
				)
			}

			return result, err
		}
	}
}

// TimeoutMiddleware bounds how long the caller waits. A command still queued
// at the deadline is dropped; one already processing completes anyway.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// RetryConfig configures RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first one).
	MaxAttempts int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases on each retry.
	Multiplier float64

	// ShouldRetry determines if an error should be retried.
	// If nil, IsRetryable is used.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryMiddleware resubmits commands that failed with a retryable error.
// It is meant for internal callers such as follow-up policies; external
// callers get the retryable flag and decide themselves.
func RetryMiddleware(config RetryConfig) Middleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = IsRetryable
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			delay := config.InitialDelay
			var (
				result *CommandResult
				err    error
			)
			for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
				result, err = next(ctx, cmd)
				if err == nil || !config.ShouldRetry(err) || attempt == config.MaxAttempts {
					return result, err
				}

				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}

				delay = time.Duration(float64(delay) * config.Multiplier)
				if config.MaxDelay > 0 && delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			}
			return result, err
		}
	}
}

// MetricsCollector receives one observation per submitted command.
type MetricsCollector interface {
	// RecordCommand records a command execution.
	RecordCommand(aggregateType, cmdType string, duration time.Duration, kind ErrorKind, retried bool)
}

// MetricsMiddleware creates middleware that records metrics.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			retried := result != nil && result.Retried
			collector.RecordCommand(cmd.AggregateType, cmd.Type, time.Since(start), KindOf(err), retried)
			return result, err
		}
	}
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a context carrying correlationID.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// CorrelationIDMiddleware makes sure every command carries a correlation ID,
// taken from the command, the context or generator in that order.
func CorrelationIDMiddleware(generator func() string) Middleware {
	if generator == nil {
		generator = idgen.Correlation
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			id := cmd.Metadata.CorrelationID
			if id == "" {
				id = CorrelationIDFromContext(ctx)
			}
			if id == "" {
				id = generator()
			}
			cmd.Metadata.CorrelationID = id
			return next(WithCorrelationID(ctx, id), cmd)
		}
	}
}

type causationIDKey struct{}

// CausationIDFromContext returns the causation ID from context.
func CausationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCausationID returns a context carrying causationID.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, causationID)
}

// CausationIDMiddleware copies a causation ID from the context onto the command.
func CausationIDMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			if cmd.Metadata.CausationID == "" {
				cmd.Metadata.CausationID = CausationIDFromContext(ctx)
			}
			return next(ctx, cmd)
		}
	}
}

// ConditionalMiddleware applies middleware only when condition holds.
func ConditionalMiddleware(condition func(Command) bool, middleware Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		wrapped := middleware(next)
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			if condition(cmd) {
				return wrapped(ctx, cmd)
			}
			return next(ctx, cmd)
		}
	}
}

// AggregateTypeMiddleware applies middleware to commands for the listed
// aggregate types.
func AggregateTypeMiddleware(types []string, middleware Middleware) Middleware {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return ConditionalMiddleware(func(cmd Command) bool {
		return set[cmd.AggregateType]
	}, middleware)
}
