package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Amounts cross this boundary as decimal token strings ("1.50").

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Lock your funds in escrow for a seller. "+
			"Funds are released to the seller once both of you approve, "+
			"or as decided by the arbiter if a dispute is raised. "+
			"You can cancel and get a refund until the seller approves."),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("Seller's wallet address")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in tokens, up to 6 decimals (e.g. '12.5')")),
	mcp.WithString("arbiter",
		mcp.Description("Optional arbiter address. Without one, disputes cannot be raised.")),
	mcp.WithString("memo",
		mcp.Description("Optional description of what is being paid for")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows you are party to in a given role, newest first. "+
			"Set pending_only to see only escrows waiting on your action."),
	mcp.WithString("role",
		mcp.Description("Your role in the escrows: 'buyer' (default), 'seller' or 'arbiter'"),
		mcp.Enum("buyer", "seller", "arbiter")),
	mcp.WithBoolean("pending_only",
		mcp.Description("Only escrows awaiting your approval or arbitration")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Show the current state of one escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolApproveEscrow = mcp.NewTool("approve_escrow",
	mcp.WithDescription(
		"Approve an escrow as buyer or seller. "+
			"Once both have approved, either party can release the funds to the seller."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("role",
		mcp.Description("Role to approve as. Inferred from your address when omitted."),
		mcp.Enum("buyer", "seller")),
)

var ToolRaiseDispute = mcp.NewTool("raise_dispute",
	mcp.WithDescription(
		"Raise a dispute so the arbiter decides who receives the funds. "+
			"Only possible when the escrow has an arbiter and funds are still locked."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("role",
		mcp.Description("Role to dispute as. Inferred from your address when omitted."),
		mcp.Enum("buyer", "seller")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"As the arbiter, decide which party receives the disputed funds. "+
			"The decision is final; release_escrow then pays that party."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("deserving_party",
		mcp.Required(),
		mcp.Description("Who receives the funds"),
		mcp.Enum("buyer", "seller")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Pay out an escrow that both parties approved or the arbiter resolved. "+
			"Safe to repeat: a released escrow returns the original transaction."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolCancelEscrow = mcp.NewTool("cancel_escrow",
	mcp.WithDescription(
		"As the buyer, cancel an escrow the seller has not approved and get your funds back."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check your available and escrowed token balance."),
)
