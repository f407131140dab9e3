package security

import (
	"net/http"
	"strings"

	"PSync/tools/errs"
	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
)

// context keys downstream handlers read
const (
	CtxUserIDKey = "userID"
	CtxTokenKey  = "authorization"
)

type Options struct {
	JWT sec.Options

	HeaderToken         string // default "Authorization"
	EnableBearerPrefix  bool   // default true
	SetEmptyIntoContext bool
}

func DefaultOptions(jwt sec.Options) *Options {
	return &Options{
		JWT:                jwt,
		HeaderToken:        "Authorization",
		EnableBearerPrefix: true,
	}
}

// Middleware verifies the bearer token and stores the subject user id in the
// request context. 401 carries the code error body so clients can tell an
// expired token from a bad one.
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
		if opts.EnableBearerPrefix && strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuth.WithDetail("missing token"))
			return
		}

		userID, err := sec.Verify(opts.JWT, token)
		if err != nil {
			if errs.Is(err, errs.ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrAuth)
			return
		}

		c.Set(CtxUserIDKey, userID)
		c.Set(CtxTokenKey, token)
		c.Next()
	}
}

// UserID reads the authenticated user id set by Middleware.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(CtxUserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
