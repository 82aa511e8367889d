package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdfast/internal/units"
	"github.com/mbd888/holdfast/internal/validation"
)

// defaultFaucetLimit caps a single faucet deposit at 1,000,000 tokens.
const defaultFaucetLimit = 1_000_000 * 1_000_000

// Handler provides HTTP endpoints for inspecting the simulated ledger.
type Handler struct {
	ledger      *Ledger
	logger      *slog.Logger
	faucetLimit uint64
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger, faucetLimit: defaultFaucetLimit}
}

// WithFaucetLimit sets the largest single faucet deposit in base units.
// Zero keeps the default.
func (h *Handler) WithFaucetLimit(limit uint64) *Handler {
	if limit > 0 {
		h.faucetLimit = limit
	}
	return h
}

// RegisterRoutes sets up ledger routes for the authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/balance", h.GetBalance)
	r.GET("/ledger/history", h.GetHistory)
}

// RegisterFaucetRoutes exposes the development faucet. Never mount it in production.
func (h *Handler) RegisterFaucetRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/faucet", h.Faucet)
}

// GetBalance handles GET /v1/ledger/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal := h.ledger.GetBalance(c.Request.Context(), c.GetString("authWalletAddr"))
	c.JSON(http.StatusOK, gin.H{
		"balance": bal,
		"display": gin.H{
			"available": units.Format(bal.Available),
			"held":      units.Format(bal.Held),
		},
	})
}

// GetHistory handles GET /v1/ledger/history?limit=N
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	entries := h.ledger.GetHistory(c.Request.Context(), c.GetString("authWalletAddr"), limit)
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type faucetRequest struct {
	// Amount is a decimal token amount, e.g. "25.5".
	Amount string `json:"amount"`
}

// Faucet handles POST /v1/ledger/faucet
func (h *Handler) Faucet(c *gin.Context) {
	var req faucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(validation.Required("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, err := units.Parse(req.Amount)
	if err != nil || amount == 0 || amount > h.faucetLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a positive decimal of at most " + units.FormatShort(h.faucetLimit)})
		return
	}

	addr := c.GetString("authWalletAddr")
	bal, err := h.ledger.Deposit(c.Request.Context(), addr, amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	h.logger.Info("faucet deposit", "address", addr, "amount", units.FormatShort(amount))
	c.JSON(http.StatusOK, gin.H{"balance": bal, "credited": units.Format(amount)})
}
