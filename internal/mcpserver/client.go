package mcpserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/auth"
	"github.com/mbd888/aetherlock/internal/oracle"
)

// Config holds the configuration for connecting to an AetherLock API.
type Config struct {
	APIURL   string            // Base URL, e.g. "http://localhost:8080"
	AgentKey solana.PrivateKey // signs requests and verdicts
}

// Client is an HTTP client for the AetherLock API that signs every request
// with the agent's key.
type Client struct {
	cfg        Config
	httpClient *http.Client
	nowFn      func() time.Time
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		nowFn:      time.Now,
	}
}

// Agent returns the identity the client acts as.
func (c *Client) Agent() solana.PublicKey {
	return c.cfg.AgentKey.PublicKey()
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	h, err := auth.SignRequest(c.cfg.AgentKey, method, u.RequestURI(), c.nowFn().Unix(), data)
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderCaller, h.Caller)
	req.Header.Set(auth.HeaderTimestamp, h.Timestamp)
	req.Header.Set(auth.HeaderSignature, h.Signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d, %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow fetches one escrow.
func (c *Client) GetEscrow(ctx context.Context, id common.Hash) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+id.Hex(), nil, nil)
}

// ListEscrows lists escrows where party is buyer or seller.
func (c *Client) ListEscrows(ctx context.Context, party solana.PublicKey, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+party.String()+"/escrows", q, nil)
}

// RequestVerification records an outstanding oracle request on a funded escrow.
func (c *Client) RequestVerification(ctx context.Context, id, requestID common.Hash) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id.Hex()+"/verification-request", nil,
		map[string]string{"requestId": requestID.Hex()})
}

// SubmitVerification signs the verdict with the agent key and submits it.
func (c *Client) SubmitVerification(ctx context.Context, id common.Hash, result bool, evidence common.Hash, requestID *common.Hash) (json.RawMessage, error) {
	payload := oracle.Payload{
		EscrowID:     id,
		Result:       result,
		EvidenceHash: evidence,
		Timestamp:    c.nowFn().Unix(),
	}
	sig, err := oracle.Sign(c.cfg.AgentKey, payload)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"agent":        c.Agent().String(),
		"result":       result,
		"evidenceHash": evidence.Hex(),
		"timestamp":    payload.Timestamp,
		"signature":    "0x" + hex.EncodeToString(sig),
	}
	if requestID != nil {
		body["requestId"] = requestID.Hex()
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id.Hex()+"/verification", nil, body)
}

// GetBalance returns owner's ledger balance in mint.
func (c *Client) GetBalance(ctx context.Context, owner, mint solana.PublicKey) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/"+owner.String()+"/"+mint.String(), nil, nil)
}

// GetCrossChainEscrow fetches a relayed escrow record.
func (c *Client) GetCrossChainEscrow(ctx context.Context, id common.Hash) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/crosschain/escrows/"+id.Hex(), nil, nil)
}

// ListNotifications returns lifecycle notifications for one escrow.
func (c *Client) ListNotifications(ctx context.Context, id common.Hash, after int64) (json.RawMessage, error) {
	q := url.Values{"escrowId": {id.Hex()}}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/notifications", q, nil)
}
