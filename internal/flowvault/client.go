package flowvault

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/x402flash/facilitator/internal/retry"
	"github.com/x402flash/facilitator/internal/solana"
)

// Confirmation polling defaults.
const (
	DefaultConfirmAttempts = 30
	DefaultConfirmInterval = time.Second
)

// ErrNotConfirmed means the transaction did not reach confirmed commitment
// within the polling budget. The outcome is unknown, not failed.
var ErrNotConfirmed = errors.New("flowvault: transaction not confirmed")

// Program error codes.
const (
	CodeInsufficientFunds uint32 = 6000
	CodeInvalidSignature  uint32 = 6001
	CodeInvalidNonce      uint32 = 6002
	CodeZeroAmount        uint32 = 6003
	CodeOverflow          uint32 = 6004
)

var programErrorNames = map[uint32]string{
	CodeInsufficientFunds: "InsufficientFunds",
	CodeInvalidSignature:  "InvalidSignature",
	CodeInvalidNonce:      "InvalidNonce",
	CodeZeroAmount:        "ZeroAmount",
	CodeOverflow:          "Overflow",
}

// ProgramError is a transaction the ledger executed and rejected.
type ProgramError struct {
	Code        uint32
	Instruction int
	TxID        string
}

// Name returns the program's name for the code, or "Custom".
func (e *ProgramError) Name() string {
	if n, ok := programErrorNames[e.Code]; ok {
		return n
	}
	return "Custom"
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("flowvault: instruction %d failed: %s (%d)", e.Instruction, e.Name(), e.Code)
}

// TransactionError is a ledger rejection without a program-defined code.
type TransactionError struct {
	TxID string
	Raw  any
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("flowvault: transaction rejected: %v", e.Raw)
}

func rejection(txID string, txErr any) error {
	if idx, code, ok := solana.CustomErrorCode(txErr); ok {
		return &ProgramError{Code: code, Instruction: idx, TxID: txID}
	}
	return &TransactionError{TxID: txID, Raw: txErr}
}

// Node is the ledger RPC surface the client needs.
type Node interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solana.AccountInfo, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error)
	GetSignatureStatus(ctx context.Context, txID string) (*solana.SignatureStatus, error)
}

// Client reads flow-vault accounts and submits facilitator-signed
// transactions.
type Client struct {
	node            Node
	program         *Program
	signer          ed25519.PrivateKey
	confirmAttempts int
	confirmInterval time.Duration
	logger          *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConfirmation sets the confirmation polling budget.
func WithConfirmation(attempts int, interval time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.confirmAttempts = attempts
		}
		if interval > 0 {
			c.confirmInterval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a ledger client that signs as signer.
func NewClient(node Node, program *Program, signer ed25519.PrivateKey, opts ...ClientOption) *Client {
	c := &Client{
		node:            node,
		program:         program,
		signer:          signer,
		confirmAttempts: DefaultConfirmAttempts,
		confirmInterval: DefaultConfirmInterval,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Program returns the program the client targets.
func (c *Client) Program() *Program { return c.program }

// Facilitator returns the fee-payer address.
func (c *Client) Facilitator() solana.PublicKey {
	return solana.PublicKeyOf(c.signer)
}

func (c *Client) fetch(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	var info *solana.AccountInfo
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		info, err = c.node.GetAccountInfo(ctx, addr)
		if errors.Is(err, solana.ErrAccountNotFound) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrAccountNotFound, addr))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if info.Owner != c.program.ID {
		return nil, fmt.Errorf("%w: %s owned by %s", ErrWrongOwner, addr, info.Owner)
	}
	return info.Data, nil
}

// FetchVault reads a vault account by address.
func (c *Client) FetchVault(ctx context.Context, vault solana.PublicKey) (*Vault, error) {
	data, err := c.fetch(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("fetch vault: %w", err)
	}
	v, err := DecodeVault(data)
	if err != nil {
		return nil, err
	}
	v.Address = vault
	return v, nil
}

// FetchProvider reads the provider account registered by authority.
func (c *Client) FetchProvider(ctx context.Context, authority solana.PublicKey) (*Provider, error) {
	addr := c.program.ProviderAddress(authority)
	data, err := c.fetch(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch provider: %w", err)
	}
	p, err := DecodeProvider(data)
	if err != nil {
		return nil, err
	}
	p.Address = addr
	return p, nil
}

// FetchConfig reads the global config account.
func (c *Client) FetchConfig(ctx context.Context) (*GlobalConfig, error) {
	data, err := c.fetch(ctx, c.program.ConfigAddress())
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	return DecodeGlobalConfig(data)
}

// Submit signs instructions as the facilitator and sends them. A preflight
// rejection is returned as *ProgramError or *TransactionError.
func (c *Client) Submit(ctx context.Context, instructions []solana.Instruction) (string, error) {
	var blockhash solana.Hash
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		blockhash, _, err = c.node.GetLatestBlockhash(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	tx, err := solana.SignTransaction(c.signer, blockhash, instructions)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	txID, err := c.node.SendTransaction(ctx, tx)
	if err != nil {
		var sendErr *solana.SendError
		if errors.As(err, &sendErr) && sendErr.TxErr != nil {
			return "", rejection(tx.ID(), sendErr.TxErr)
		}
		return "", fmt.Errorf("submit: %w", err)
	}
	c.logger.Debug("transaction submitted", "tx_id", txID)
	return txID, nil
}

// Confirm waits until txID reaches confirmed commitment. An executed but
// failed transaction returns *ProgramError or *TransactionError without
// further polling.
func (c *Client) Confirm(ctx context.Context, txID string) error {
	err := retry.Poll(ctx, c.confirmAttempts, c.confirmInterval, func() error {
		st, err := c.node.GetSignatureStatus(ctx, txID)
		if err != nil {
			return err
		}
		if st == nil {
			return ErrNotConfirmed
		}
		if st.Err != nil {
			return retry.Permanent(rejection(txID, st.Err))
		}
		if !st.Committed() {
			return ErrNotConfirmed
		}
		return nil
	})
	if err != nil {
		var pe *ProgramError
		var te *TransactionError
		if errors.As(err, &pe) || errors.As(err, &te) {
			return err
		}
		return fmt.Errorf("confirm %s: %w", txID, err)
	}
	return nil
}
