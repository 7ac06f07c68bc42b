package middleware

import (
	"time"

	"apigate/pkg/constraints"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CorsMiddleware allows the dashboard origins to call the session routes
// with cookies.
func CorsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", constraints.HeaderContentType, constraints.HeaderAuthorization, constraints.HeaderRequestID},
		ExposeHeaders:    []string{constraints.HeaderRequestID, constraints.HeaderTraceID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
