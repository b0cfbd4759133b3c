package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// redactingCore rewrites fields before they reach the wrapped core.
type redactingCore struct {
	zapcore.Core
	salt string
}

func NewRedactingCore(next zapcore.Core, salt string) zapcore.Core {
	return &redactingCore{Core: next, salt: salt}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.scrub(fields)), salt: c.salt}
}

func (c *redactingCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *redactingCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(e, c.scrub(fields))
}

func (c *redactingCore) scrub(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		key := strings.ToLower(f.Key)
		var repl zapcore.Field
		switch {
		case isSecretKey(key):
			repl = zap.String(f.Key, redacted)
		case isIdentityKey(key):
			repl = zap.String(f.Key, c.hash(fieldString(f)))
		default:
			if out != nil {
				out = append(out, f)
			}
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, i, len(fields))
			copy(out, fields[:i])
		}
		out = append(out, repl)
	}
	if out == nil {
		return fields
	}
	return out
}

// Lease tokens are opaque fencing values and stay visible.
func isSecretKey(key string) bool {
	if strings.Contains(key, "lease") {
		return false
	}
	for _, s := range []string{"token", "authorization", "password", "secret", "api_key", "apikey", "cookie"} {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// Learner identifiers are pseudonymized so lines for one student still
// correlate.
func isIdentityKey(key string) bool {
	return strings.Contains(key, "student_id") || strings.Contains(key, "session_id")
}

func (c *redactingCore) hash(raw string) string {
	if raw == "" {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(c.salt))
	h.Write([]byte(raw))
	return "hash:" + hex.EncodeToString(h.Sum(nil))[:12]
}

func fieldString(f zapcore.Field) string {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok {
			return s.String()
		}
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Uint64Type, zapcore.Uint32Type:
		return fmt.Sprint(f.Integer)
	}
	if f.Interface != nil {
		return fmt.Sprint(f.Interface)
	}
	return f.String
}
