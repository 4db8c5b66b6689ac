package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	"github.com/noah-isme/sma-enrollment-builder/pkg/middleware/requestid"
)

// Audit writes one structured "builder_action" entry for every state-changing
// builder request, accepted or not.
func Audit(logger *zap.Logger, action string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("audit")
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		status := c.Writer.Status()
		outcome := "accepted"
		if status >= 400 {
			outcome = "rejected"
		}
		fields := []zap.Field{
			zap.String("action", action),
			zap.String("outcome", outcome),
			zap.Int("status", status),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.GetHeader("User-Agent")),
		}
		if claims, ok := c.Get(ContextUserKey); ok {
			if user, ok := claims.(*models.JWTClaims); ok {
				fields = append(fields, zap.String("student_id", user.UserID))
			}
		}
		if id := c.Param("subjectId"); id != "" {
			fields = append(fields, zap.String("subject_id", id))
		}
		if reqID := requestid.Value(c); reqID != "" {
			fields = append(fields, zap.String("request_id", reqID))
		}
		logger.Info("builder_action", fields...)
	}
}
