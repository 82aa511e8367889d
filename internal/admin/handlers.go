package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdfast/internal/escrow"
	"github.com/mbd888/holdfast/internal/reconciliation"
)

// PayoutService abstracts the escrow operations used by admin handlers.
type PayoutService interface {
	StalePayouts(ctx context.Context, limit int) ([]*escrow.Escrow, error)
	ResumePayout(ctx context.Context, id string) (*escrow.ReleaseResult, error)
}

// ReconciliationRunner runs an on-demand reconciliation pass.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// HoldLister exposes the ledger's open holds.
type HoldLister interface {
	OpenHolds() []string
	TotalHeld() uint64
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	payouts    PayoutService
	reconciler ReconciliationRunner
	holds      HoldLister
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(payouts PayoutService) *Handler {
	return &Handler{payouts: payouts, now: time.Now}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithHolds sets the ledger view for hold inspection.
func (h *Handler) WithHolds(l HoldLister) *Handler {
	h.holds = l
	return h
}

// RegisterRoutes sets up admin routes. The admin middleware must run first.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/payouts/stale", h.listStale)
	r.POST("/admin/escrows/:id/resume", h.resumePayout)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/ledger/holds", h.listHolds)
}

// listStale returns payout intents older than the stale threshold.
func (h *Handler) listStale(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	escrows, err := h.payouts.StalePayouts(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stale payouts", "message": err.Error()})
		return
	}

	now := h.now()
	payouts := make([]StalePayout, len(escrows))
	for i, e := range escrows {
		payouts[i] = newStalePayout(e, now)
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// resumePayout re-drives one stale payout intent.
func (h *Handler) resumePayout(c *gin.Context) {
	id := c.Param("id")
	result, err := h.payouts.ResumePayout(c.Request.Context(), id)
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found", "escrowId": id})
		return
	case errors.Is(err, escrow.ErrPayoutIndeterminate):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "payout outcome unknown",
			"message": err.Error(),
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resume failed", "message": err.Error()})
		return
	case result == nil:
		c.JSON(http.StatusConflict, gin.H{
			"error":   "nothing_to_resume",
			"message": "Escrow has no stale payout intent",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resumed": true, "result": result})
}

// triggerReconciliation runs an on-demand reconciliation pass.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// listHolds reports the ledger's unsettled holds.
func (h *Handler) listHolds(c *gin.Context) {
	if h.holds == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}

	refs := h.holds.OpenHolds()
	if refs == nil {
		refs = []string{}
	}
	c.JSON(http.StatusOK, HoldSummary{
		Count:     len(refs),
		TotalHeld: h.holds.TotalHeld(),
		Refs:      refs,
	})
}
