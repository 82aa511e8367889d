package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyWalletAddr is the gin context key holding the caller's address
	ContextKeyWalletAddr = "authWalletAddr"

	// DevAddressHeader names the caller directly when token auth is disabled
	DevAddressHeader = "X-Wallet-Address"
)

// Middleware resolves the caller identity and stores it in the context.
// Requests without valid credentials continue unauthenticated; RequireAuth
// rejects them where identity is needed.
//
// When devHeader is set and v has no secret, DevAddressHeader is trusted.
func Middleware(v *Verifier, devHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.Enabled() {
			if token := extractBearer(c.GetHeader("Authorization")); token != "" {
				if addr, err := v.Verify(token); err == nil {
					c.Set(ContextKeyWalletAddr, addr)
				}
			}
		} else if devHeader {
			if addr := c.GetHeader(DevAddressHeader); addr != "" {
				c.Set(ContextKeyWalletAddr, addr)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated caller.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// WalletAddr returns the authenticated caller's address, or "".
func WalletAddr(c *gin.Context) string {
	return c.GetString(ContextKeyWalletAddr)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return WalletAddr(c) != ""
}

// AdminSecretHeader carries the operator secret on admin routes.
const AdminSecretHeader = "X-Admin-Secret"

// RequireAdmin rejects requests that do not present secret in
// AdminSecretHeader. An empty secret rejects everything.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := c.GetHeader(AdminSecretHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required in " + AdminSecretHeader,
			})
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}
