package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/holdfast/internal/escrow"
	"github.com/mbd888/holdfast/internal/units"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateEscrow locks funds for a seller.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	if seller == "" {
		return mcp.NewToolResultError("seller is required"), nil
	}
	amountStr := req.GetString("amount", "")
	if amountStr == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	amount, err := units.Parse(amountStr)
	if err != nil || amount == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid amount %q: use a positive number with at most %d decimals", amountStr, units.Decimals)), nil
	}

	raw, err := h.client.CreateEscrow(ctx, seller, amount, req.GetString("arbiter", ""), req.GetString("memo", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}

	var resp struct {
		Escrow *escrow.Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultError("Failed to parse escrow response"), nil
	}
	return mcp.NewToolResultText("Escrow created. Your funds are locked.\n\n" + formatEscrow(resp.Escrow)), nil
}

// HandleListEscrows lists the caller's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "buyer")
	pendingOnly := req.GetBool("pending_only", false)
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, role, pendingOnly, req.GetString("cursor", ""), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	var page escrow.Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPage(&page, role, pendingOnly)), nil
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return escrowResult(raw, "")
}

// HandleApproveEscrow records the caller's approval.
func (h *Handlers) HandleApproveEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.Approve(ctx, id, req.GetString("role", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approval failed: %v", err)), nil
	}
	return escrowResult(raw, "Approval recorded.")
}

// HandleRaiseDispute sends the escrow to arbitration.
func (h *Handlers) HandleRaiseDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.RaiseDispute(ctx, id, req.GetString("role", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	return escrowResult(raw, "Dispute raised. The arbiter will decide who receives the funds.")
}

// HandleResolveDispute records the arbiter's decision.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	party := req.GetString("deserving_party", "")
	if _, err := escrow.ParseParty(party); err != nil {
		return mcp.NewToolResultError("deserving_party must be 'buyer' or 'seller'"), nil
	}
	raw, err := h.client.ResolveDispute(ctx, id, party)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}
	return escrowResult(raw, "Dispute resolved. Use release_escrow to pay out.")
}

// HandleReleaseEscrow pays out the escrow.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.Release(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}
	return payoutResult(raw, "Funds released")
}

// HandleCancelEscrow refunds the buyer.
func (h *Handlers) HandleCancelEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.Cancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}
	return payoutResult(raw, "Escrow cancelled and refunded")
}

// HandleCheckBalance returns the caller's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Balance struct {
			Addr      string `json:"address"`
			Available uint64 `json:"available,string"`
			Held      uint64 `json:"held,string"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance for %s\n", resp.Balance.Addr)
	fmt.Fprintf(&sb, "  Available: %s\n", units.FormatShort(resp.Balance.Available))
	fmt.Fprintf(&sb, "  In escrow: %s\n", units.FormatShort(resp.Balance.Held))
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Response helpers ---

func escrowResult(raw json.RawMessage, headline string) (*mcp.CallToolResult, error) {
	var resp struct {
		Escrow *escrow.Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultError("Failed to parse escrow response"), nil
	}
	text := formatEscrow(resp.Escrow)
	if headline != "" {
		text = headline + "\n\n" + text
	}
	return mcp.NewToolResultText(text), nil
}

func payoutResult(raw json.RawMessage, headline string) (*mcp.CallToolResult, error) {
	var res escrow.ReleaseResult
	if err := json.Unmarshal(raw, &res); err != nil || res.TxHash == "" {
		return mcp.NewToolResultError("Failed to parse payout response"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"%s.\n\nEscrow ID: %s\nPaid to: %s\nTransaction: %s",
		headline, res.EscrowID, res.Recipient, res.TxHash)), nil
}

func formatEscrow(e *escrow.Escrow) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s (%s)\n", e.ID, e.State())
	fmt.Fprintf(&sb, "  Amount:  %s\n", units.FormatShort(e.Amount))
	fmt.Fprintf(&sb, "  Buyer:   %s%s\n", e.Buyer, approvedMark(e.BuyerApproved))
	fmt.Fprintf(&sb, "  Seller:  %s%s\n", e.Seller, approvedMark(e.SellerApproved))
	if e.HasArbiter() {
		fmt.Fprintf(&sb, "  Arbiter: %s\n", e.Arbiter)
	}
	if e.Memo != "" {
		fmt.Fprintf(&sb, "  Memo:    %s\n", e.Memo)
	}
	if e.DisputeRaised {
		fmt.Fprintf(&sb, "  Dispute: raised by %s", e.DisputeRaisedBy)
		if e.Resolution != escrow.PartyNone {
			fmt.Fprintf(&sb, ", resolved for the %s", e.Resolution)
		}
		sb.WriteString("\n")
	}
	if e.FundsReleased {
		fmt.Fprintf(&sb, "  Paid to: %s (tx %s)\n", e.ReleasedTo, e.TxHash)
	}
	return sb.String()
}

func approvedMark(approved bool) string {
	if approved {
		return " [approved]"
	}
	return ""
}

func formatPage(page *escrow.Page, role string, pendingOnly bool) string {
	if page.Count == 0 {
		if pendingOnly {
			return fmt.Sprintf("No escrows are waiting on you as %s.", role)
		}
		return fmt.Sprintf("You have no escrows as %s.", role)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d escrow(s) as %s:\n\n", page.Count, role)
	for i, e := range page.Escrows {
		fmt.Fprintf(&sb, "%d. %s  %s  %s\n", i+1, e.ID, units.FormatShort(e.Amount), e.State())
		if e.Memo != "" {
			fmt.Fprintf(&sb, "   %s\n", e.Memo)
		}
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore results: pass cursor %q", page.NextCursor)
	}
	return sb.String()
}
