package auth

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

// ContextKeyCaller is the gin context key holding the authenticated identity.
const ContextKeyCaller = "authCaller"

// Middleware verifies signed requests. Requests without credentials pass
// through unauthenticated; requests with bad credentials are rejected.
func Middleware(nowFn func() time.Time) gin.HandlerFunc {
	if nowFn == nil {
		nowFn = time.Now
	}
	return func(c *gin.Context) {
		h := Headers{
			Caller:    c.GetHeader(HeaderCaller),
			Timestamp: c.GetHeader(HeaderTimestamp),
			Signature: c.GetHeader(HeaderSignature),
		}
		if h.Caller == "" && h.Signature == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "invalid_request",
					"message": "Request body could not be read",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		caller, err := VerifyRequest(h, c.Request.Method, c.Request.URL.RequestURI(), body, nowFn())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyCaller, caller)
		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Caller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Caller, X-Timestamp and X-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the authenticated identity.
func Caller(c *gin.Context) (solana.PublicKey, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return solana.PublicKey{}, false
	}
	pk, ok := v.(solana.PublicKey)
	return pk, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := Caller(c)
	return ok
}
