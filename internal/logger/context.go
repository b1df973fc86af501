package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds connection- and operation-scoped logging context.
type LogContext struct {
	ConnID    uint64    // server-assigned connection number
	ClientIP  string    // peer address without port
	MessageID int64     // LDAP message id, 0 before the first request
	Op        string    // operation name: bind, search, add, ...
	BindDN    string    // authenticated identity, empty while anonymous
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a freshly accepted connection.
func NewLogContext(connID uint64, clientIP string) *LogContext {
	return &LogContext{
		ConnID:    connID,
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithOp returns a copy scoped to one operation of the connection.
func (lc *LogContext) WithOp(messageID int64, op string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.MessageID = messageID
		clone.Op = op
		clone.StartTime = time.Now()
	}
	return clone
}

// WithBindDN returns a copy with the authenticated identity set.
func (lc *LogContext) WithBindDN(dn string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.BindDN = dn
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
