package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Look up an escrow payment by ID. "+
			"Shows status, gross and net amounts, fee breakdown, and milestone progress."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID (e.g. 'pay_...')")),
)

var ToolListPayments = mcp.NewTool("list_payments",
	mcp.WithDescription(
		"List recent escrow payments for a worker or an employer, newest first."),
	mcp.WithString("party_id",
		mcp.Required(),
		mcp.Description("The worker or employer ID")),
	mcp.WithString("role",
		mcp.Description("Which side of the payment the party is on"),
		mcp.Enum("worker", "employer")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 20)")),
)

var ToolGetPaymentStats = mcp.NewTool("get_payment_stats",
	mcp.WithDescription(
		"Get aggregate payment statistics for a worker (earnings) or an employer (spend), "+
			"including pending and completed counts and the average job value."),
	mcp.WithString("scope_id",
		mcp.Required(),
		mcp.Description("The worker or employer ID")),
	mcp.WithString("role",
		mcp.Description("Which side to aggregate"),
		mcp.Enum("worker", "employer")),
)

var ToolQuoteFees = mcp.NewTool("quote_fees",
	mcp.WithDescription(
		"Preview the platform and payment-method fees for an amount before creating a payment. "+
			"Amounts are whole currency units (e.g. 100000 XOF)."),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Gross amount in whole currency units")),
	mcp.WithString("method",
		mcp.Required(),
		mcp.Description("Payment method"),
		mcp.Enum("mobile_money", "bank_transfer", "card", "crypto")),
	mcp.WithString("currency",
		mcp.Description("Currency code (default XOF)")),
	mcp.WithString("region",
		mcp.Description("Fee region; the default region is used when omitted")),
)

var ToolRaiseDispute = mcp.NewTool("raise_dispute",
	mcp.WithDescription(
		"Dispute an escrowed payment. Funds stay frozen until an administrator "+
			"resolves the dispute with a release or a refund."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the work or payment is being disputed")),
)

var ToolApproveMilestone = mcp.NewTool("approve_milestone",
	mcp.WithDescription(
		"Approve a milestone the worker has marked completed, making it eligible for payout."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID")),
	mcp.WithString("milestone_id",
		mcp.Required(),
		mcp.Description("The milestone ID within the payment")),
)
