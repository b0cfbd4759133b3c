package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/ctxutil"
)

const (
	headerSessionID = "X-Session-Id"
	headerStudentID = "X-Student-Id"
)

// AttachSessionContext records the browser session and student the request
// claims. Identity is asserted by the fronting gateway.
func AttachSessionContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		sd := &ctxutil.SessionData{
			SessionID: strings.TrimSpace(c.GetHeader(headerSessionID)),
			StudentID: strings.TrimSpace(c.GetHeader(headerStudentID)),
		}
		if sd.StudentID == "" {
			sd.StudentID = strings.TrimSpace(c.Query("student_id"))
		}
		ctx := ctxutil.WithSessionData(c.Request.Context(), sd)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
