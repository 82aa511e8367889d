package escrow

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. Every route needs an authenticated
// caller; the auth middleware must run first.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/pending", h.ListPending)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/approve", h.ApproveEscrow)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
}

type createEscrowRequest struct {
	Seller  string `json:"seller"`
	Amount  string `json:"amount"`
	Memo    string `json:"memo"`
	Arbiter string `json:"arbiter"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type resolveRequest struct {
	DeservingParty string `json:"deservingParty"`
}

// CreateEscrow handles POST /v1/escrows. The caller is the buyer.
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(KindValidation),
			"message": "Invalid request body",
		})
		return
	}

	req.Seller = strings.TrimSpace(req.Seller)
	req.Arbiter = strings.TrimSpace(req.Arbiter)
	if errs := validation.Validate(
		validation.Required("seller", req.Seller),
		validation.ValidAddress("seller", req.Seller),
		validation.ValidAddress("arbiter", req.Arbiter),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("memo", req.Memo, maxMemoLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(KindValidation),
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, ok := validation.ParseAmount(req.Amount)
	if !ok {
		writeError(c, fmt.Errorf("%w: amount must be a positive integer in the smallest unit", ErrValidation))
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), CreateRequest{
		Buyer:   callerAddr(c),
		Seller:  req.Seller,
		Arbiter: req.Arbiter,
		Amount:  amount,
		Memo:    validation.SanitizeString(req.Memo, maxMemoLength),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrowId": escrow.ID, "escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id. Only parties to the escrow may read it.
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, ok := h.loadForCaller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows?role=buyer|seller|arbiter
func (h *Handler) ListEscrows(c *gin.Context) {
	h.list(c, false)
}

// ListPending handles GET /v1/escrows/pending. Role defaults to buyer.
func (h *Handler) ListPending(c *gin.Context) {
	h.list(c, true)
}

func (h *Handler) list(c *gin.Context, pending bool) {
	roleParam := c.Query("role")
	if roleParam == "" && pending {
		roleParam = "buyer"
	}
	role, err := ParseRole(roleParam)
	if err != nil {
		writeError(c, err)
		return
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var page *Page
	if pending {
		page, err = h.service.ListPending(c.Request.Context(), callerAddr(c), role, c.Query("cursor"), limit)
	} else {
		page, err = h.service.List(c.Request.Context(), callerAddr(c), role, c.Query("cursor"), limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ApproveEscrow handles POST /v1/escrows/:id/approve
func (h *Handler) ApproveEscrow(c *gin.Context) {
	actor, ok := h.bindActor(c)
	if !ok {
		return
	}
	escrow, err := h.service.Approve(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RaiseDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	actor, ok := h.bindActor(c)
	if !ok {
		return
	}
	escrow, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve. The caller is the arbiter.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(KindValidation),
			"message": "deservingParty is required",
		})
		return
	}
	party, err := ParseParty(req.DeservingParty)
	if err != nil {
		writeError(c, err)
		return
	}

	actor := Actor{Addr: callerAddr(c), Role: RoleArbiter}
	escrow, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), actor, party)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release. The role may be
// omitted; it is then inferred from the caller's address.
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	actor, ok := h.bindActor(c)
	if !ok {
		return
	}
	result, err := h.service.Release(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel. The caller is the buyer.
func (h *Handler) CancelEscrow(c *gin.Context) {
	actor := Actor{Addr: callerAddr(c), Role: RoleBuyer}
	result, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// bindActor reads {"role": ...}. A missing body or role falls back to the
// first role the caller holds on the escrow.
func (h *Handler) bindActor(c *gin.Context) (Actor, bool) {
	var req roleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   string(KindValidation),
				"message": "Invalid request body",
			})
			return Actor{}, false
		}
	}
	actor := Actor{Addr: callerAddr(c)}
	if req.Role != "" {
		role, err := ParseRole(req.Role)
		if err != nil {
			writeError(c, err)
			return Actor{}, false
		}
		actor.Role = role
		return actor, true
	}

	escrow, ok := h.loadForCaller(c)
	if !ok {
		return Actor{}, false
	}
	for _, r := range []Role{RoleBuyer, RoleSeller, RoleArbiter} {
		if strings.EqualFold(escrow.AddressFor(r), actor.Addr) {
			actor.Role = r
			break
		}
	}
	return actor, true
}

// loadForCaller fetches the :id escrow and checks the caller is a party to it.
func (h *Handler) loadForCaller(c *gin.Context) (*Escrow, bool) {
	id := c.Param("id")
	if !idgen.HasPrefix(id, "esc_") {
		writeError(c, ErrNotFound)
		return nil, false
	}
	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !escrow.IsParty(callerAddr(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   string(KindUnauthorized),
			"message": "Caller is not a party to this escrow",
		})
		return nil, false
	}
	return escrow, true
}

func callerAddr(c *gin.Context) string {
	return c.GetString("authWalletAddr")
}

// writeError maps an escrow error kind to its HTTP status.
func writeError(c *gin.Context, err error) {
	kind := KindOf(err)
	status := http.StatusInternalServerError
	message := err.Error()
	switch kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindNotFound:
		status = http.StatusNotFound
	case KindUnauthorized:
		status = http.StatusForbidden
	case KindStateConflict, KindDuplicate:
		status = http.StatusConflict
	case KindLedger:
		status = http.StatusBadGateway
	default:
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": string(kind), "message": message})
}
