package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"payments-ledger/internal/core/auth"
	"payments-ledger/internal/core/ports"
	"payments-ledger/pkg/apperror"
	"payments-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderRequestID     = "X-Request-ID"
	HeaderAuthorization = "Authorization"

	bearerPrefix = "Bearer "

	maxRequestIDLen = 64

	// Context keys
	CtxRequestID = "request_id"
	CtxAccountID = "account_id"
)

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(CtxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// SessionAuth resolves the session token from the Authorization header or
// the session cookie and attaches the session to the request context.
// A well-formed token whose session was deleted is rejected.
func SessionAuth(tokenSvc ports.TokenService, sessions ports.SessionStore, cookieName string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c, cookieName)
		if token == "" {
			response.Error(c, apperror.ErrUnauthenticated())
			c.Abort()
			return
		}

		claims, err := tokenSvc.Validate(token)
		if err != nil {
			response.Error(c, apperror.ErrUnauthenticated())
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		session, err := sessions.Get(ctx, claims.SessionID)
		if err != nil {
			log.Error().Err(err).Msg("failed to load session")
			response.Error(c, apperror.InternalError(err))
			c.Abort()
			return
		}
		if session == nil || session.Account.ID != claims.AccountID {
			response.Error(c, apperror.ErrUnauthenticated())
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(auth.WithSession(ctx, session))
		c.Set(CtxAccountID, session.Account.ID)
		c.Next()
	}
}

func extractToken(c *gin.Context, cookieName string) string {
	if h := c.GetHeader(HeaderAuthorization); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(h[len(bearerPrefix):])
	}
	if cookieName == "" {
		return ""
	}
	token, err := c.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return token
}

// RequestLogger creates a middleware that logs every HTTP request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		event.
			Str("request_id", c.GetString(CtxRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery creates a panic recovery middleware.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				response.Error(c, apperror.InternalError(fmt.Errorf("panic: %v", r)))
				c.Abort()
			}
		}()
		c.Next()
	}
}
