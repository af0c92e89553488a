package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the AetherLock MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up an AetherLock escrow by id. Shows parties, amount, fee, status, expiry "+
			"and any verification or dispute state. Use this before judging whether a seller delivered."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The 32-byte escrow id as 0x-prefixed hex")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows where an identity is buyer or seller, newest first."),
	mcp.WithString("party",
		mcp.Description("Base58 identity to list for. Defaults to this agent.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20, max 200)")),
)

var ToolRequestVerification = mcp.NewTool("request_verification",
	mcp.WithDescription(
		"Mark a funded escrow as awaiting your verdict. Records the oracle request id so "+
			"the later verdict can be matched to it."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id as 0x-prefixed hex")),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("A 32-byte request id as 0x-prefixed hex")),
)

var ToolSubmitVerification = mcp.NewTool("submit_verification",
	mcp.WithDescription(
		"Submit your signed verdict on whether the seller's work meets the escrow terms. "+
			"A true verdict lets the escrow be released to the seller; false lets the buyer be refunded. "+
			"Only the escrow's designated AI agent can submit, and only once."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id as 0x-prefixed hex")),
	mcp.WithBoolean("result",
		mcp.Required(),
		mcp.Description("true if the work passed verification, false otherwise")),
	mcp.WithString("evidence_hash",
		mcp.Required(),
		mcp.Description("32-byte hash of the evidence you relied on, as 0x-prefixed hex")),
	mcp.WithString("request_id",
		mcp.Description("The request id recorded by request_verification, if any")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a ledger balance for one token mint."),
	mcp.WithString("mint",
		mcp.Required(),
		mcp.Description("Base58 token mint")),
	mcp.WithString("owner",
		mcp.Description("Base58 identity. Defaults to this agent.")),
)

var ToolGetCrossChainEscrow = mcp.NewTool("get_crosschain_escrow",
	mcp.WithDescription(
		"Look up an escrow that was opened on another chain and relayed here. "+
			"Shows source and destination chains, status and any failure reason."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id as 0x-prefixed hex")),
)

var ToolEscrowHistory = mcp.NewTool("escrow_history",
	mcp.WithDescription(
		"List the lifecycle notifications (created, funded, verified, released, disputes) for an escrow in order."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id as 0x-prefixed hex")),
	mcp.WithNumber("after",
		mcp.Description("Only return notifications with a sequence number above this")),
)
