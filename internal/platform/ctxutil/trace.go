package ctxutil

import "context"

type traceDataKey struct{}
type sessionDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

// SessionData identifies the caller of a request. StudentID is whatever the
// upstream gateway asserted; this service does not authenticate it.
type SessionData struct {
	SessionID string
	StudentID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if ctx == nil {
		return nil
	}
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

func WithSessionData(ctx context.Context, sd *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, sd)
}

func GetSessionData(ctx context.Context) *SessionData {
	if ctx == nil {
		return nil
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		return sd
	}
	return nil
}

// Default returns ctx, or context.Background() when ctx is nil.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// LogFields flattens trace and session data into logger key/values.
func LogFields(ctx context.Context) []interface{} {
	out := make([]interface{}, 0, 8)
	if td := GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			out = append(out, "trace_id", td.TraceID)
		}
		if td.RequestID != "" {
			out = append(out, "request_id", td.RequestID)
		}
	}
	if sd := GetSessionData(ctx); sd != nil {
		if sd.SessionID != "" {
			out = append(out, "session_id", sd.SessionID)
		}
		if sd.StudentID != "" {
			out = append(out, "student_id", sd.StudentID)
		}
	}
	return out
}
