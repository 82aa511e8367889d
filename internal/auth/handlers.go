package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/holdfast/internal/validation"
)

// DevTokenTTL is the lifetime of tokens minted by the development endpoint.
const DevTokenTTL = 24 * time.Hour

// Handler provides HTTP endpoints for auth
type Handler struct {
	verifier *Verifier
	devMode  bool
}

// NewHandler creates a new auth handler. Token minting is only exposed when
// devMode is set.
func NewHandler(v *Verifier, devMode bool) *Handler {
	return &Handler{verifier: v, devMode: devMode}
}

// RegisterRoutes sets up auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAuth(), h.Me)
	if h.devMode {
		r.POST("/auth/dev-token", h.DevToken)
	}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	mode := "bearer"
	if !h.verifier.Enabled() {
		mode = "dev_header"
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":   mode,
		"header": "Authorization: Bearer <token>",
		"note":   "The token subject is your wallet address.",
	})
}

// Me echoes the authenticated caller.
func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"address": WalletAddr(c)})
}

// DevTokenRequest is the request body for minting a development token
type DevTokenRequest struct {
	Address string `json:"address" binding:"required"`
}

// DevToken mints a token for any address. Development only.
func (h *Handler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "address is required",
		})
		return
	}
	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid address",
		})
		return
	}
	if !h.verifier.Enabled() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "state_conflict",
			"message": "AUTH_SECRET is not set; send X-Wallet-Address instead",
		})
		return
	}

	token, err := h.verifier.Issue(req.Address, DevTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to issue token",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"address":   req.Address,
		"expiresIn": int(DevTokenTTL.Seconds()),
	})
}
