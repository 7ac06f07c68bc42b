package middleware

import (
	"apigate/pkg/constraints"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(constraints.HeaderTraceID)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set("TraceID", traceID)
		c.Writer.Header().Set(constraints.HeaderTraceID, traceID)
		c.Next()
	}
}
