package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the facilitator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListSessions = mcp.NewTool("x402_list_sessions",
	mcp.WithDescription(
		"List every agent currently streaming payments through the facilitator. "+
			"Shows each agent's vault, unsettled off-chain usage, and whether a settlement is in flight."),
)

var ToolCheckBalance = mcp.NewTool("x402_check_balance",
	mcp.WithDescription(
		"Check an agent's flow vault on-chain: deposit, total settled, available balance and nonce. "+
			"Includes unsettled usage when the agent is connected."),
	mcp.WithString("agent",
		mcp.Description("Base58 agent public key. Defaults to the configured agent.")),
)

var ToolSettlementHistory = mcp.NewTool("x402_settlement_history",
	mcp.WithDescription(
		"List recent settlement attempts, newest first, with transaction ids and failure reasons."),
	mcp.WithString("agent",
		mcp.Description("Base58 agent public key. Omit to list all agents.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of settlements to return (default 20)")),
)

var ToolFacilitatorHealth = mcp.NewTool("x402_facilitator_health",
	mcp.WithDescription(
		"Report facilitator health: ledger RPC, session store and history store checks, "+
			"circuit breaker state, and the current priority fee."),
)

var ToolPriorityFee = mcp.NewTool("x402_priority_fee",
	mcp.WithDescription(
		"Get the priority fee the facilitator attaches to settlement transactions "+
			"and the circuit breaker failure counts."),
)

var ToolReportUsage = mcp.NewTool("x402_report_usage",
	mcp.WithDescription(
		"Charge usage to a connected agent's session in base units (lamports for SOL vaults). "+
			"Crossing the settlement threshold makes the facilitator request a settlement signature."),
	mcp.WithString("agent",
		mcp.Description("Base58 agent public key. Defaults to the configured agent.")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount in base units, e.g. 1000")),
)

var ToolPaidRequest = mcp.NewTool("x402_paid_request",
	mcp.WithDescription(
		"Call an x402-paywalled HTTP API, paying from the configured agent vault. "+
			"The agent must hold a live session with the facilitator; the price is added to its unsettled usage."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("Absolute URL of the paid endpoint")),
	mcp.WithString("method",
		mcp.Description("HTTP method (default GET)")),
	mcp.WithString("body",
		mcp.Description("Optional JSON request body")),
	mcp.WithNumber("price",
		mcp.Description("Price in base units. Defaults to the configured per-request price.")),
)
