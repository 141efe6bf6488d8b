// Package settlement turns an agent-signed claim into a confirmed transfer,
// either as a ledger transaction or through the cross-chain bridge.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/x402flash/facilitator/internal/circuitbreaker"
	"github.com/x402flash/facilitator/internal/flowvault"
	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/solana"
	"github.com/x402flash/facilitator/internal/traces"
)

// Errors
var (
	ErrCircuitOpen         = errors.New("settlement: circuit breaker is open")
	ErrBridgeNotConfigured = errors.New("settlement: bridge connection not configured")
)

// LedgerRejection is a settlement the ledger executed and refused. It is
// never retried automatically.
type LedgerRejection struct {
	Code   uint32
	Reason string
	TxID   string
	Err    error
}

func (e *LedgerRejection) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("ledger rejected settlement: %s", e.Reason)
	}
	return fmt.Sprintf("ledger rejected settlement: %s (%d)", e.Reason, e.Code)
}

func (e *LedgerRejection) Unwrap() error { return e.Err }

// Request is a signed claim ready for settlement.
type Request struct {
	Agent             solana.PublicKey
	ProviderAuthority solana.PublicKey
	Vault             solana.PublicKey
	Amount            uint64
	Nonce             uint64
	Signature         []byte
}

// Ledger is the flow vault program surface the engine needs.
type Ledger interface {
	Program() *flowvault.Program
	Facilitator() solana.PublicKey
	FetchVault(ctx context.Context, vault solana.PublicKey) (*flowvault.Vault, error)
	FetchProvider(ctx context.Context, authority solana.PublicKey) (*flowvault.Provider, error)
	Submit(ctx context.Context, instructions []solana.Instruction) (string, error)
	Confirm(ctx context.Context, txID string) error
}

// FeeSource publishes the current priority fee bid.
type FeeSource interface {
	Latest() uint64
}

// Bridge settles a claim on another chain.
type Bridge interface {
	Settle(ctx context.Context, req BridgeRequest) (string, error)
}

// MerchantRecorder mirrors confirmed settlements to the merchant network.
type MerchantRecorder interface {
	RecordTransaction(ctx context.Context, merchantID string, amount uint64, txID string) error
}

// Notifier is told about every recorded settlement attempt. It must not block.
type Notifier interface {
	SettlementRecorded(r *Record)
}

// Config tunes engine timeouts.
type Config struct {
	CallTimeout      time.Duration // each ledger read and the submit call
	ConfirmTimeout   time.Duration // whole confirmation poll
	DestinationChain string        // bridge destination
}

// Engine executes settlements behind one shared circuit breaker.
type Engine struct {
	ledger    Ledger
	breaker   *circuitbreaker.Breaker
	fees      FeeSource
	bridge    Bridge
	merchants MerchantRecorder
	records   RecordStore
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBridge enables bridge-routed providers.
func WithBridge(b Bridge) Option { return func(e *Engine) { e.bridge = b } }

// WithMerchants enables merchant transaction records.
func WithMerchants(m MerchantRecorder) Option { return func(e *Engine) { e.merchants = m } }

// WithRecords sets the settlement history store.
func WithRecords(r RecordStore) Option { return func(e *Engine) { e.records = r } }

// WithNotifier forwards recorded settlements, for example to webhooks.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithConfig overrides timeouts.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates a settlement engine.
func NewEngine(ledger Ledger, breaker *circuitbreaker.Breaker, fees FeeSource, opts ...Option) *Engine {
	e := &Engine{
		ledger:  ledger,
		breaker: breaker,
		fees:    fees,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.CallTimeout <= 0 {
		e.cfg.CallTimeout = 10 * time.Second
	}
	if e.cfg.ConfirmTimeout <= 0 {
		e.cfg.ConfirmTimeout = 60 * time.Second
	}
	if e.cfg.DestinationChain == "" {
		e.cfg.DestinationChain = "ethereum"
	}
	if e.records == nil {
		e.records = NewMemoryRecordStore(0)
	}
	return e
}

// CanSettle reports whether the breaker currently admits an attempt.
func (e *Engine) CanSettle() bool {
	return e.breaker.Allow()
}

// BreakerState reports the shared breaker state.
func (e *Engine) BreakerState() circuitbreaker.State {
	return e.breaker.State()
}

// Records exposes the settlement history.
func (e *Engine) Records() RecordStore {
	return e.records
}

// Settle executes one claim and returns the transaction id. ErrCircuitOpen
// means no external call was made.
func (e *Engine) Settle(ctx context.Context, req Request) (string, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.settle",
		traces.Agent(req.Agent.String()),
		traces.Vault(req.Vault.String()),
		traces.Amount(req.Amount),
		traces.Nonce(req.Nonce),
	)
	defer span.End()
	start := time.Now()

	if !e.breaker.Allow() {
		metrics.SettlementsTotal.WithLabelValues(metrics.SettlementBlocked).Inc()
		e.logger.Warn("circuit breaker is open, blocking settlement", "agent", req.Agent.String())
		span.SetStatus(codes.Error, "circuit open")
		return "", ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	provider, err := e.ledger.FetchProvider(callCtx, req.ProviderAuthority)
	cancel()
	if err != nil {
		return "", e.fail(ctx, span, req, nil, metrics.SettlementFailure, fmt.Errorf("fetch provider: %w", err))
	}
	span.SetAttributes(traces.Protocol(provider.Protocol.String()))

	var txID string
	okStatus, failStatus := metrics.SettlementSuccess, metrics.SettlementFailure
	if provider.Protocol == flowvault.ProtocolBridge {
		okStatus, failStatus = metrics.SettlementSuccessBridge, metrics.SettlementFailureBridge
		txID, err = e.settleViaBridge(ctx, req, provider)
	} else {
		txID, err = e.settleOnLedger(ctx, req, provider)
	}
	if err != nil {
		return "", e.fail(ctx, span, req, provider, failStatus, err)
	}

	e.breaker.RecordSuccess()
	metrics.SettlementsTotal.WithLabelValues(okStatus).Inc()
	metrics.SettlementAmount.Observe(float64(req.Amount))
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.TxID(txID))

	e.logger.Info("settlement confirmed",
		"agent", req.Agent.String(),
		"tx_id", txID,
		"amount", req.Amount,
		"nonce", req.Nonce,
		"protocol", provider.Protocol.String(),
	)

	e.record(ctx, req, provider, txID, StatusConfirmed, nil)
	if provider.MerchantID != "" && e.merchants != nil {
		go e.recordMerchant(provider.MerchantID, req.Amount, txID)
	}
	return txID, nil
}

func (e *Engine) fail(ctx context.Context, span trace.Span, req Request, provider *flowvault.Provider, status string, err error) error {
	err = classify(err)
	e.breaker.RecordFailure()
	metrics.SettlementsTotal.WithLabelValues(status).Inc()
	traces.Fail(span, err)

	e.logger.Error("settlement failed",
		"agent", req.Agent.String(),
		"amount", req.Amount,
		"nonce", req.Nonce,
		"error", err,
	)
	e.record(ctx, req, provider, rejectionTxID(err), StatusFailed, err)
	return err
}

func (e *Engine) settleOnLedger(ctx context.Context, req Request, provider *flowvault.Provider) (string, error) {
	program := e.ledger.Program()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	vault, err := e.ledger.FetchVault(callCtx, req.Vault)
	cancel()
	if err != nil {
		return "", fmt.Errorf("fetch vault: %w", err)
	}
	if vault.Address.IsZero() {
		vault.Address = req.Vault
	}
	if provider.Address.IsZero() {
		provider.Address = program.ProviderAddress(req.ProviderAuthority)
	}

	message := flowvault.BuildMessage(vault.Address, provider.Address, req.Amount, req.Nonce)
	verify, err := solana.NewEd25519Instruction(req.Agent, message, req.Signature)
	if err != nil {
		return "", fmt.Errorf("build signature check: %w", err)
	}

	instructions := make([]solana.Instruction, 0, 3)
	if fee := e.fees.Latest(); fee > 0 {
		instructions = append(instructions, solana.NewSetComputeUnitPriceInstruction(fee))
		e.logger.Debug("attaching priority fee", "micro_lamports", fee)
	}
	instructions = append(instructions, verify, program.SettleBatchInstruction(flowvault.SettleParams{
		Facilitator: e.ledger.Facilitator(),
		Agent:       req.Agent,
		Vault:       vault,
		Provider:    provider,
		Amount:      req.Amount,
		Nonce:       req.Nonce,
	}))

	e.logger.Info("submitting settlement",
		"agent", req.Agent.String(),
		"vault", vault.Address.String(),
		"native", vault.IsNative(),
		"amount", req.Amount,
		"nonce", req.Nonce,
	)

	callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
	txID, err := e.ledger.Submit(callCtx, instructions)
	cancel()
	if err != nil {
		return "", err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	if err := e.ledger.Confirm(confirmCtx, txID); err != nil {
		return "", err
	}
	return txID, nil
}

func (e *Engine) settleViaBridge(ctx context.Context, req Request, provider *flowvault.Provider) (string, error) {
	if e.bridge == nil {
		return "", ErrBridgeNotConfigured
	}
	e.logger.Info("routing settlement via bridge",
		"provider", req.ProviderAuthority.String(),
		"amount", req.Amount,
		"merchant_id", provider.MerchantID,
	)
	return e.bridge.Settle(ctx, NewBridgeRequest(req, provider, e.cfg.DestinationChain))
}

func (e *Engine) record(ctx context.Context, req Request, provider *flowvault.Provider, txID string, status Status, cause error) {
	r := &Record{
		Agent:    req.Agent.String(),
		Provider: req.ProviderAuthority.String(),
		Vault:    req.Vault.String(),
		Amount:   req.Amount,
		Nonce:    req.Nonce,
		TxID:     txID,
		Status:   status,
	}
	if provider != nil {
		r.Protocol = provider.Protocol.String()
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := e.records.Insert(storeCtx, r); err != nil {
		e.logger.Warn("failed to record settlement", "agent", r.Agent, "error", err)
	}
	if e.notifier != nil {
		e.notifier.SettlementRecorded(r)
	}
}

func (e *Engine) recordMerchant(merchantID string, amount uint64, txID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.merchants.RecordTransaction(ctx, merchantID, amount, txID); err != nil {
		e.logger.Warn("merchant transaction record failed", "merchant_id", merchantID, "tx_id", txID, "error", err)
	}
}

// classify converts ledger rejections into *LedgerRejection.
func classify(err error) error {
	var pe *flowvault.ProgramError
	if errors.As(err, &pe) {
		return &LedgerRejection{Code: pe.Code, Reason: pe.Name(), TxID: pe.TxID, Err: err}
	}
	var te *flowvault.TransactionError
	if errors.As(err, &te) {
		return &LedgerRejection{Reason: fmt.Sprint(te.Raw), TxID: te.TxID, Err: err}
	}
	return err
}

func rejectionTxID(err error) string {
	var lr *LedgerRejection
	if errors.As(err, &lr) {
		return lr.TxID
	}
	return ""
}
