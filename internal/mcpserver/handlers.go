package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireHash(req, "escrow_id")
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	text, err := formatEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists escrows for a party, defaulting to the agent.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	party := h.client.Agent()
	if s := req.GetString("party", ""); s != "" {
		pk, err := validation.ParsePublicKey(s)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid party: %v", err)), nil
		}
		party = pk
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, party, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	if len(resp.Escrows) == 0 {
		return mcp.NewToolResultText("No escrows found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s) for %s:\n\n", len(resp.Escrows), party)
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s  %s  amount %s\n", i+1, getString(e, "id"), getString(e, "status"), getString(e, "amount"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRequestVerification records an oracle request id.
func (h *Handlers) HandleRequestVerification(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireHash(req, "escrow_id")
	if errResult != nil {
		return errResult, nil
	}
	requestID, errResult := requireHash(req, "request_id")
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.RequestVerification(ctx, id, requestID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request verification: %v", err)), nil
	}
	text, err := formatEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText("Verification requested.\n\n" + text), nil
}

// HandleSubmitVerification signs and submits the agent's verdict.
func (h *Handlers) HandleSubmitVerification(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireHash(req, "escrow_id")
	if errResult != nil {
		return errResult, nil
	}
	result, err := req.RequireBool("result")
	if err != nil {
		return mcp.NewToolResultError("result is required (true or false)"), nil
	}
	evidence, errResult := requireHash(req, "evidence_hash")
	if errResult != nil {
		return errResult, nil
	}
	var requestID *common.Hash
	if s := req.GetString("request_id", ""); s != "" {
		rid, err := validation.ParseHash(s)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid request_id: %v", err)), nil
		}
		requestID = &rid
	}

	raw, err := h.client.SubmitVerification(ctx, id, result, evidence, requestID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification rejected: %v", err)), nil
	}
	text, err := formatEscrowResponse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	verdict := "PASSED: the escrow can now be released to the seller."
	if !result {
		verdict = "FAILED: the escrow can now be refunded to the buyer."
	}
	return mcp.NewToolResultText("Verdict recorded. " + verdict + "\n\n" + text), nil
}

// HandleCheckBalance shows one ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mint, errResult := requireKey(req, "mint")
	if errResult != nil {
		return errResult, nil
	}
	owner := h.client.Agent()
	if s := req.GetString("owner", ""); s != "" {
		pk, err := validation.ParsePublicKey(s)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid owner: %v", err)), nil
		}
		owner = pk
	}

	raw, err := h.client.GetBalance(ctx, owner, mint)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	var resp struct {
		UIAvailable string `json:"uiAvailable"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Balance of %s:\n  Available: %s (mint %s)\n", owner, resp.UIAvailable, mint)), nil
}

// HandleGetCrossChainEscrow shows a relayed escrow.
func (h *Handlers) HandleGetCrossChainEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireHash(req, "escrow_id")
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetCrossChainEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get cross-chain escrow: %v", err)), nil
	}
	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Escrow == nil {
		return mcp.NewToolResultError("Failed to parse cross-chain escrow"), nil
	}

	e := resp.Escrow
	var sb strings.Builder
	fmt.Fprintf(&sb, "Cross-chain escrow %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Route:  %s -> %s\n", getString(e, "sourceChain"), getString(e, "destinationChain"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(e, "status"))
	fmt.Fprintf(&sb, "  Amount: %s\n", getString(e, "amount"))
	if v := getString(e, "failureReason"); v != "" {
		fmt.Fprintf(&sb, "  Failure: %s\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleEscrowHistory lists lifecycle notifications.
func (h *Handlers) HandleEscrowHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireHash(req, "escrow_id")
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.ListNotifications(ctx, id, int64(req.GetInt("after", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list notifications: %v", err)), nil
	}
	var resp struct {
		Notifications []map[string]any `json:"notifications"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse notifications: %v", err)), nil
	}
	if len(resp.Notifications) == 0 {
		return mcp.NewToolResultText("No notifications yet."), nil
	}

	var sb strings.Builder
	for _, n := range resp.Notifications {
		fmt.Fprintf(&sb, "#%s %s\n", getString(n, "seq"), getString(n, "type"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func requireHash(req mcp.CallToolRequest, key string) (common.Hash, *mcp.CallToolResult) {
	s := req.GetString(key, "")
	if s == "" {
		return common.Hash{}, mcp.NewToolResultError(key + " is required")
	}
	h, err := validation.ParseHash(s)
	if err != nil {
		return common.Hash{}, mcp.NewToolResultError(fmt.Sprintf("Invalid %s: %v", key, err))
	}
	return h, nil
}

func requireKey(req mcp.CallToolRequest, key string) (solana.PublicKey, *mcp.CallToolResult) {
	s := req.GetString(key, "")
	if s == "" {
		return solana.PublicKey{}, mcp.NewToolResultError(key + " is required")
	}
	pk, err := validation.ParsePublicKey(s)
	if err != nil {
		return solana.PublicKey{}, mcp.NewToolResultError(fmt.Sprintf("Invalid %s: %v", key, err))
	}
	return pk, nil
}

func formatEscrowResponse(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow map[string]any `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Escrow == nil {
		return "", fmt.Errorf("unexpected escrow response format")
	}

	e := resp.Escrow
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Status:   %s\n", getString(e, "status"))
	fmt.Fprintf(&sb, "  Buyer:    %s\n", getString(e, "buyer"))
	fmt.Fprintf(&sb, "  Seller:   %s\n", getString(e, "seller"))
	fmt.Fprintf(&sb, "  Amount:   %s (fee %s)\n", getString(e, "amount"), getString(e, "feeAmount"))
	fmt.Fprintf(&sb, "  Agent:    %s\n", getString(e, "aiAgent"))
	fmt.Fprintf(&sb, "  Expiry:   %s\n", getString(e, "expiry"))
	if v, ok := e["verificationResult"].(bool); ok {
		fmt.Fprintf(&sb, "  Verdict:  %t\n", v)
	}
	if d, _ := e["disputeRaised"].(bool); d {
		fmt.Fprintf(&sb, "  Disputed: until %s\n", getString(e, "disputeDeadline"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}
