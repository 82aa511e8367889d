package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdfast/internal/escrow"
	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/security"
	"github.com/mbd888/holdfast/internal/validation"
)

// maxSubscriptionsPerOwner bounds how many endpoints one address may register.
const maxSubscriptionsPerOwner = 10

var knownEvents = []escrow.EventType{
	escrow.EventCreated,
	escrow.EventApproved,
	escrow.EventDisputeRaised,
	escrow.EventDisputeResolved,
	escrow.EventReleased,
	escrow.EventCancelled,
}

// Handler provides HTTP endpoints for webhook management. Subscriptions
// belong to the authenticated caller.
type Handler struct {
	store       Store
	validateURL URLValidator
	logger      *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{
		store:       store,
		validateURL: security.ValidateEndpointURL,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithLogger sets the logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

// WithURLValidator replaces the endpoint check. nil disables it.
func (h *Handler) WithURLValidator(v URLValidator) *Handler {
	h.validateURL = v
	return h
}

// RegisterRoutes sets up webhook routes. The auth middleware must run first.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks.
func (h *Handler) CreateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	owner := strings.ToLower(c.GetString("authWalletAddr"))

	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Invalid request body",
		})
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if h.validateURL != nil {
		if err := h.validateURL(ctx, req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": err.Error(),
			})
			return
		}
	}

	events, err := parseEvents(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
		return
	}

	existing, err := h.store.ListByOwner(ctx, owner)
	if err != nil {
		h.internalError(c, "list", err)
		return
	}
	if len(existing) >= maxSubscriptionsPerOwner {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Webhook limit reached; delete one first",
		})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internalError(c, "generate secret", err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Owner:     owner,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		h.internalError(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only returned here
		"usage": gin.H{
			"header":    HeaderSignature,
			"signature": "sha256=HMAC-SHA256(secret, timestamp + \".\" + body)",
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks.
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), c.GetString("authWalletAddr"))
	if err != nil {
		h.internalError(c, "list", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id. Another owner's
// subscription reads as not found.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sub, err := h.store.Get(ctx, id)
	if err == nil && !strings.EqualFold(sub.Owner, c.GetString("authWalletAddr")) {
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, id)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
	case err != nil:
		h.internalError(c, "delete", err)
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("webhook store failure", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Webhook storage unavailable",
	})
}

// parseEvents validates event names. An empty list subscribes to everything.
func parseEvents(names []string) ([]escrow.EventType, error) {
	var out []escrow.EventType
	for _, n := range names {
		t := escrow.EventType(strings.TrimSpace(n))
		if !slices.Contains(knownEvents, t) {
			return nil, fmt.Errorf("unknown event type %q", n)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
