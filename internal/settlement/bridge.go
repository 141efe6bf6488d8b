package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/x402flash/facilitator/internal/flowvault"
)

// Bridge defaults.
const (
	DefaultBridgeTimeout = 30 * time.Second
	bridgeStatusTimeout  = 10 * time.Second
	maxBridgeResponse    = 1 << 20
)

// BridgeRequest is the cross-chain settlement payload.
type BridgeRequest struct {
	SourceChain        string         `json:"sourceChain"`
	SourceAccount      string         `json:"sourceAccount"`
	DestinationChain   string         `json:"destinationChain"`
	DestinationAccount string         `json:"destinationAccount"`
	Amount             string         `json:"amount"`
	Nonce              string         `json:"nonce"`
	Signature          string         `json:"signature"`
	Metadata           BridgeMetadata `json:"metadata"`
}

// BridgeMetadata ties the bridged transfer back to the vault.
type BridgeMetadata struct {
	VaultPda   string `json:"vaultPda"`
	MerchantID string `json:"merchantId,omitempty"`
}

// NewBridgeRequest builds the bridge payload for a claim.
func NewBridgeRequest(req Request, provider *flowvault.Provider, destinationChain string) BridgeRequest {
	return BridgeRequest{
		SourceChain:        "solana",
		SourceAccount:      req.Agent.String(),
		DestinationChain:   destinationChain,
		DestinationAccount: provider.Destination.String(),
		Amount:             strconv.FormatUint(req.Amount, 10),
		Nonce:              strconv.FormatUint(req.Nonce, 10),
		Signature:          base64.StdEncoding.EncodeToString(req.Signature),
		Metadata: BridgeMetadata{
			VaultPda:   req.Vault.String(),
			MerchantID: provider.MerchantID,
		},
	}
}

// BridgeStatus is a bridged transfer's progress.
type BridgeStatus struct {
	TxID              string `json:"txId"`
	DestinationTxHash string `json:"destinationTxHash,omitempty"`
	Status            string `json:"status"` // pending, completed, failed
}

// BridgeError is a non-2xx bridge response.
type BridgeError struct {
	StatusCode int
	Body       string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Body)
}

// BridgeClient posts settlements to the bridge HTTP API.
type BridgeClient struct {
	endpoint   string
	token      string
	accountID  string
	httpClient *http.Client
	logger     *slog.Logger
}

// ParseConnection extracts the bearer token and account id from a bridge
// connection string (a URL carrying connection_token and account_id).
func ParseConnection(connection string) (token, accountID string, err error) {
	u, err := url.Parse(connection)
	if err != nil {
		return "", "", fmt.Errorf("parse bridge connection: %w", err)
	}
	q := u.Query()
	token = q.Get("connection_token")
	accountID = q.Get("account_id")
	if token == "" {
		return "", "", errors.New("bridge connection missing connection_token")
	}
	return token, accountID, nil
}

// NewBridgeClient creates a client for endpoint using the given connection
// string. timeout <= 0 uses DefaultBridgeTimeout.
func NewBridgeClient(endpoint, connection string, timeout time.Duration, logger *slog.Logger) (*BridgeClient, error) {
	if connection == "" {
		return nil, ErrBridgeNotConfigured
	}
	token, accountID, err := ParseConnection(connection)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultBridgeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeClient{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		token:      token,
		accountID:  accountID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Settle posts the request and returns the bridge transaction id.
func (b *BridgeClient) Settle(ctx context.Context, req BridgeRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.authorize(httpReq)

	var out BridgeStatus
	if err := b.do(httpReq, &out); err != nil {
		return "", fmt.Errorf("bridge settlement failed: %w", err)
	}
	if out.TxID == "" {
		return "", errors.New("bridge settlement failed: response missing txId")
	}
	b.logger.Info("bridge settlement accepted", "tx_id", out.TxID, "destination_chain", req.DestinationChain)
	return out.TxID, nil
}

// Status looks up a bridged transfer.
func (b *BridgeClient) Status(ctx context.Context, txID string) (*BridgeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, bridgeStatusTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/status/"+url.PathEscape(txID), nil)
	if err != nil {
		return nil, err
	}
	b.authorize(httpReq)

	var out BridgeStatus
	if err := b.do(httpReq, &out); err != nil {
		return nil, fmt.Errorf("bridge status %s: %w", txID, err)
	}
	return &out, nil
}

func (b *BridgeClient) authorize(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+b.token)
	if b.accountID != "" {
		r.Header.Set("X-ATXP-Account-ID", b.accountID)
	}
}

func (b *BridgeClient) do(r *http.Request, out any) error {
	resp, err := b.httpClient.Do(r)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBridgeResponse))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &BridgeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return json.Unmarshal(data, out)
}
