package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/ledger"
	"github.com/mbd888/jobescrow/internal/payment"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetPayment shows a single payment.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}
	text, err := formatPaymentEnvelope(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPayments lists a party's payments.
func (h *Handlers) HandleListPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	partyID := req.GetString("party_id", "")
	if partyID == "" {
		return mcp.NewToolResultError("party_id is required"), nil
	}
	role := req.GetString("role", string(payment.RoleWorker))
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListPayments(ctx, partyID, role, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payments: %v", err)), nil
	}

	var resp struct {
		Payments []payment.Payment `json:"payments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	if len(resp.Payments) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No payments found for %s %s.", role, partyID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d payment(s) for %s %s:\n\n", len(resp.Payments), role, partyID)
	for i, p := range resp.Payments {
		fmt.Fprintf(&sb, "%d. %s  %s  %d %s (net %d)  job %s\n",
			i+1, p.ID, p.Status, p.GrossAmount, p.Currency, p.NetAmount, p.JobID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPaymentStats shows earnings or spend aggregates.
func (h *Handlers) HandleGetPaymentStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scopeID := req.GetString("scope_id", "")
	if scopeID == "" {
		return mcp.NewToolResultError("scope_id is required"), nil
	}
	role := req.GetString("role", string(payment.RoleWorker))

	raw, err := h.client.GetStats(ctx, scopeID, role)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	var resp struct {
		Stats ledger.Stats `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	s := resp.Stats

	var sb strings.Builder
	fmt.Fprintf(&sb, "Stats for %s %s\n", s.Role, s.ScopeID)
	if s.Role == payment.RoleEmployer {
		fmt.Fprintf(&sb, "Total spent: %d\n", s.TotalSpent)
	} else {
		fmt.Fprintf(&sb, "Total earnings: %d\n", s.TotalEarnings)
		fmt.Fprintf(&sb, "Released to date: %d\n", s.ReleasedToDate)
	}
	fmt.Fprintf(&sb, "Pending payments: %d\n", s.PendingPayments)
	fmt.Fprintf(&sb, "Completed payments: %d\n", s.CompletedPayments)
	fmt.Fprintf(&sb, "Average job value: %d", s.AverageJobValue)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleQuoteFees previews fees for an amount.
func (h *Handlers) HandleQuoteFees(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := int64(req.GetFloat("amount", 0))
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive whole number"), nil
	}
	method := req.GetString("method", "")
	if method == "" {
		return mcp.NewToolResultError("method is required"), nil
	}

	raw, err := h.client.QuoteFees(ctx, amount, method,
		req.GetString("currency", ""), req.GetString("region", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote fees: %v", err)), nil
	}

	var resp struct {
		Quote  fees.Quote `json:"quote"`
		Region string     `json:"region"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	q := resp.Quote

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fee quote (%s, region %s)\n", q.Method, resp.Region)
	fmt.Fprintf(&sb, "Gross: %d %s\n", q.GrossAmount, q.Currency)
	fmt.Fprintf(&sb, "Platform fee: %d\n", q.Fees.PlatformFee)
	fmt.Fprintf(&sb, "Payment fee: %d\n", q.Fees.PaymentFee)
	fmt.Fprintf(&sb, "Total fees: %d\n", q.Fees.TotalFees)
	fmt.Fprintf(&sb, "Worker receives: %d %s", q.NetAmount, q.Currency)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRaiseDispute disputes an escrowed payment.
func (h *Handlers) HandleRaiseDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.RaiseDispute(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	text, err := formatPaymentEnvelope(raw)
	if err != nil {
		text = formatJSON(raw)
	}
	return mcp.NewToolResultText("Dispute raised. Funds are frozen until an administrator resolves it.\n\n" + text), nil
}

// HandleApproveMilestone approves a completed milestone.
func (h *Handlers) HandleApproveMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	mid := req.GetString("milestone_id", "")
	if id == "" || mid == "" {
		return mcp.NewToolResultError("payment_id and milestone_id are required"), nil
	}

	raw, err := h.client.ApproveMilestone(ctx, id, mid)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approval failed: %v", err)), nil
	}
	text, err := formatPaymentEnvelope(raw)
	if err != nil {
		text = formatJSON(raw)
	}
	return mcp.NewToolResultText("Milestone " + mid + " approved.\n\n" + text), nil
}

// --- Formatters ---

func formatPaymentEnvelope(raw json.RawMessage) (string, error) {
	var resp struct {
		Payment *payment.Payment `json:"payment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Payment == nil {
		return "", fmt.Errorf("response has no payment")
	}
	return formatPayment(resp.Payment), nil
}

func formatPayment(p *payment.Payment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment: %s\n", p.ID)
	fmt.Fprintf(&sb, "Status: %s\n", p.Status)
	fmt.Fprintf(&sb, "Job: %s\n", p.JobID)
	fmt.Fprintf(&sb, "Employer: %s  Worker: %s\n", p.EmployerID, p.WorkerID)
	fmt.Fprintf(&sb, "Gross: %d %s via %s\n", p.GrossAmount, p.Currency, p.Method)
	fmt.Fprintf(&sb, "Fees: %d (platform %d, payment %d)\n", p.Fees.TotalFees, p.Fees.PlatformFee, p.Fees.PaymentFee)
	fmt.Fprintf(&sb, "Net to worker: %d", p.NetAmount)
	if p.ReleasedNet > 0 {
		fmt.Fprintf(&sb, " (%d released)", p.ReleasedNet)
	}
	if p.DisputeReason != "" {
		fmt.Fprintf(&sb, "\nDispute: %s", p.DisputeReason)
	}
	if len(p.Milestones) > 0 {
		sb.WriteString("\n\nMilestones:")
		for _, m := range p.Milestones {
			fmt.Fprintf(&sb, "\n  %s  %-9s  %d (net %d)  %s", m.ID, m.Status, m.Amount, m.NetAmount, m.Title)
		}
	}
	return sb.String()
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
