package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/FranksOps/prospector/internal/storage"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const userCtxKey = "prospector:user"

// Middleware rejects requests without a valid bearer token and stores the
// resolved user on the gin context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			unauthorized(c)
			return
		}

		u, err := s.Authenticate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) {
				_ = c.Error(err)
			}
			unauthorized(c)
			return
		}

		trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("user.email", u.Email))
		c.Set(userCtxKey, u)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
}

// UserFromContext returns the user Middleware resolved. It panics when the
// route is not behind Middleware.
func UserFromContext(c *gin.Context) *storage.User {
	u, ok := c.Get(userCtxKey)
	if !ok {
		panic("auth: user is not set on context")
	}
	return u.(*storage.User)
}
