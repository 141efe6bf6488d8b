package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
)

// Commitment levels accepted by the RPC node.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

var (
	ErrAccountNotFound  = errors.New("solana: account not found")
	ErrInvalidBlockhash = errors.New("solana: invalid blockhash")
)

// RPCClient talks JSON-RPC 2.0 to a ledger node. The transport is the
// go-ethereum rpc client, which is protocol-agnostic JSON-RPC over HTTP or
// WebSocket.
type RPCClient struct {
	c          *rpc.Client
	commitment string
}

// RPCOption configures an RPCClient.
type RPCOption func(*rpcOptions)

type rpcOptions struct {
	httpClient *http.Client
	commitment string
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) RPCOption {
	return func(o *rpcOptions) { o.httpClient = c }
}

// WithCommitment sets the commitment used for reads. Default "confirmed".
func WithCommitment(c string) RPCOption {
	return func(o *rpcOptions) { o.commitment = c }
}

// DialRPC connects to a node endpoint.
func DialRPC(ctx context.Context, endpoint string, opts ...RPCOption) (*RPCClient, error) {
	o := rpcOptions{commitment: CommitmentConfirmed}
	for _, opt := range opts {
		opt(&o)
	}
	var dialOpts []rpc.ClientOption
	if o.httpClient != nil {
		dialOpts = append(dialOpts, rpc.WithHTTPClient(o.httpClient))
	}
	c, err := rpc.DialOptions(ctx, endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc %s: %w", endpoint, err)
	}
	return &RPCClient{c: c, commitment: o.commitment}, nil
}

// Close releases the underlying connection.
func (r *RPCClient) Close() {
	r.c.Close()
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type accountInfoResult struct {
	Context rpcContext `json:"context"`
	Value   *struct {
		Data     []string `json:"data"`
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
	} `json:"value"`
}

// AccountInfo is the decoded state of an on-ledger account.
type AccountInfo struct {
	Owner    PublicKey
	Lamports uint64
	Data     []byte
}

// GetAccountInfo fetches an account. Returns ErrAccountNotFound when the
// account does not exist.
func (r *RPCClient) GetAccountInfo(ctx context.Context, account PublicKey) (*AccountInfo, error) {
	var res accountInfoResult
	err := r.c.CallContext(ctx, &res, "getAccountInfo", account.String(), map[string]any{
		"encoding":   "base64",
		"commitment": r.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", account, err)
	}
	if res.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	if len(res.Value.Data) == 0 {
		return nil, fmt.Errorf("getAccountInfo %s: empty data field", account)
	}
	data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: decode data: %w", account, err)
	}
	owner, err := ParsePublicKey(res.Value.Owner)
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: owner: %w", account, err)
	}
	return &AccountInfo{Owner: owner, Lamports: res.Value.Lamports, Data: data}, nil
}

// GetLatestBlockhash returns a recent blockhash and the last block height at
// which a transaction referencing it is valid.
func (r *RPCClient) GetLatestBlockhash(ctx context.Context) (Hash, uint64, error) {
	var res struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := r.c.CallContext(ctx, &res, "getLatestBlockhash", map[string]any{"commitment": CommitmentFinalized}); err != nil {
		return Hash{}, 0, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	b, err := base58.Decode(res.Value.Blockhash)
	if err != nil || len(b) != 32 {
		return Hash{}, 0, fmt.Errorf("%w: %q", ErrInvalidBlockhash, res.Value.Blockhash)
	}
	var h Hash
	copy(h[:], b)
	return h, res.Value.LastValidBlockHeight, nil
}

// SendTransaction submits a signed transaction with preflight simulation and
// returns its id.
func (r *RPCClient) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	var sig string
	err := r.c.CallContext(ctx, &sig, "sendTransaction",
		base64.StdEncoding.EncodeToString(tx.Serialize()),
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": r.commitment,
			"maxRetries":          3,
		})
	if err != nil {
		return "", &SendError{Err: err, TxErr: preflightError(err)}
	}
	return sig, nil
}

// SignatureStatus is the ledger's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	Err                any     `json:"err"`
	ConfirmationStatus string  `json:"confirmationStatus"`
}

// Committed reports whether the transaction reached at least confirmed commitment.
func (s *SignatureStatus) Committed() bool {
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}

// GetSignatureStatus returns the status of one transaction, or nil if the node
// has not seen it yet.
func (r *RPCClient) GetSignatureStatus(ctx context.Context, txID string) (*SignatureStatus, error) {
	var res struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := r.c.CallContext(ctx, &res, "getSignatureStatuses", []string{txID}, map[string]any{"searchTransactionHistory": false}); err != nil {
		return nil, fmt.Errorf("getSignatureStatuses %s: %w", txID, err)
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// GetRecentPrioritizationFees returns per-slot prioritization fees (micro-lamports
// per compute unit) observed recently, optionally scoped to writable accounts.
func (r *RPCClient) GetRecentPrioritizationFees(ctx context.Context, accounts ...PublicKey) ([]uint64, error) {
	var res []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	addrs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		addrs = append(addrs, a.String())
	}
	if err := r.c.CallContext(ctx, &res, "getRecentPrioritizationFees", addrs); err != nil {
		return nil, fmt.Errorf("getRecentPrioritizationFees: %w", err)
	}
	fees := make([]uint64, 0, len(res))
	for _, f := range res {
		fees = append(fees, f.PrioritizationFee)
	}
	return fees, nil
}

// GetSlot returns the node's current slot.
func (r *RPCClient) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := r.c.CallContext(ctx, &slot, "getSlot", map[string]any{"commitment": r.commitment}); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

// SendError wraps a failed sendTransaction. TxErr holds the transaction error
// reported by preflight simulation, if any.
type SendError struct {
	Err   error
	TxErr any
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sendTransaction: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// preflightError extracts data.err from a preflight-failure JSON-RPC error.
func preflightError(err error) any {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	data, ok := de.ErrorData().(map[string]any)
	if !ok {
		return nil
	}
	return data["err"]
}

// CustomErrorCode extracts the program-defined error code from a transaction
// error of the form {"InstructionError":[index,{"Custom":code}]}.
func CustomErrorCode(txErr any) (instruction int, code uint32, ok bool) {
	m, isMap := txErr.(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	pair, isSlice := m["InstructionError"].([]any)
	if !isSlice || len(pair) != 2 {
		return 0, 0, false
	}
	idx, isNum := pair[0].(float64)
	if !isNum {
		return 0, 0, false
	}
	detail, isMap := pair[1].(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	c, isNum := detail["Custom"].(float64)
	if !isNum {
		return 0, 0, false
	}
	return int(idx), uint32(c), true
}
