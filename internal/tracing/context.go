package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the avatar session id
	SessionIDKey ContextKey = "session_id"
	// IdentityKey is the context key for the user identity owning a session
	IdentityKey ContextKey = "identity"
	// ConnIDKey is the context key for the transport connection id
	ConnIDKey ContextKey = "conn_id"
	// TurnIDKey is the context key for a single conversational turn
	TurnIDKey ContextKey = "turn_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	Identity  string
	ConnID    string
	TurnID    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn ID
func NewTurnID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session id to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithIdentity adds a user identity to the context
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithConnID adds a connection id to the context
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

// WithTurnID adds a turn id to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetSessionID retrieves the session id from the context
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }

// GetIdentity retrieves the identity from the context
func GetIdentity(ctx context.Context) string { return stringValue(ctx, IdentityKey) }

// GetConnID retrieves the connection id from the context
func GetConnID(ctx context.Context) string { return stringValue(ctx, ConnIDKey) }

// GetTurnID retrieves the turn id from the context
func GetTurnID(ctx context.Context) string { return stringValue(ctx, TurnIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		Identity:  GetIdentity(ctx),
		ConnID:    GetConnID(ctx),
		TurnID:    GetTurnID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.Identity != "" {
		ctx = WithIdentity(ctx, tc.Identity)
	}
	if tc.ConnID != "" {
		ctx = WithConnID(ctx, tc.ConnID)
	}
	if tc.TurnID != "" {
		ctx = WithTurnID(ctx, tc.TurnID)
	}
	return ctx
}

// NewConnectionContext creates a context for an accepted connection with a fresh trace ID.
func NewConnectionContext(ctx context.Context, connID, identity string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithConnID(ctx, connID)
	return WithIdentity(ctx, identity)
}

// NewTurnContext derives a turn context, keeping the trace and session values of ctx.
func NewTurnContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithTurnID(ctx, NewTurnID())
}
