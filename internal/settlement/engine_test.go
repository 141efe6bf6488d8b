package settlement

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402flash/facilitator/internal/circuitbreaker"
	"github.com/x402flash/facilitator/internal/flowvault"
	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/solana"
)

type fakeLedger struct {
	mu          sync.Mutex
	program     *flowvault.Program
	facilitator solana.PublicKey
	vault       *flowvault.Vault
	provider    *flowvault.Provider
	providerErr error
	submitErr   error
	confirmErr  error
	blockReads  bool
	submitted   [][]solana.Instruction
	calls       int
}

func (f *fakeLedger) Program() *flowvault.Program   { return f.program }
func (f *fakeLedger) Facilitator() solana.PublicKey { return f.facilitator }

func (f *fakeLedger) FetchVault(context.Context, solana.PublicKey) (*flowvault.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v := *f.vault
	return &v, nil
}

func (f *fakeLedger) FetchProvider(ctx context.Context, _ solana.PublicKey) (*flowvault.Provider, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockReads
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.providerErr != nil {
		return nil, f.providerErr
	}
	p := *f.provider
	return &p, nil
}

func (f *fakeLedger) Submit(_ context.Context, ixs []solana.Instruction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, ixs)
	return "5tx", nil
}

func (f *fakeLedger) Confirm(context.Context, string) error {
	return f.confirmErr
}

type staticFee uint64

func (s staticFee) Latest() uint64 { return uint64(s) }

type recordingMerchant struct {
	got chan string
}

func (r *recordingMerchant) RecordTransaction(_ context.Context, merchantID string, _ uint64, txID string) error {
	r.got <- merchantID + ":" + txID
	return nil
}

type fixture struct {
	ledger   *fakeLedger
	breaker  *circuitbreaker.Breaker
	agentKey ed25519.PrivateKey
	req      Request
}

func newFixture(t *testing.T, mint solana.PublicKey) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	agent, err := solana.PublicKeyFromBytes(pub)
	require.NoError(t, err)

	program := flowvault.NewProgram(solana.PublicKey{})
	providerAuthority := solana.PublicKey{7}
	vaultAddr := program.VaultAddress(agent)

	ledger := &fakeLedger{
		program:     program,
		facilitator: solana.PublicKey{9},
		vault: &flowvault.Vault{
			Address:       vaultAddr,
			Agent:         agent,
			TokenMint:     mint,
			DepositAmount: 2_000_000,
			Nonce:         4,
		},
		provider: &flowvault.Provider{
			Authority:   providerAuthority,
			Destination: solana.PublicKey{8},
			Protocol:    flowvault.ProtocolNativeSPL,
		},
	}

	providerPDA := program.ProviderAddress(providerAuthority)
	msg := flowvault.BuildMessage(vaultAddr, providerPDA, 100_000, 5)
	return &fixture{
		ledger:   ledger,
		breaker:  circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, SuccessThreshold: 1}),
		agentKey: priv,
		req: Request{
			Agent:             agent,
			ProviderAuthority: providerAuthority,
			Vault:             vaultAddr,
			Amount:            100_000,
			Nonce:             5,
			Signature:         ed25519.Sign(priv, msg),
		},
	}
}

func TestSettle_NativeVault(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	records := NewMemoryRecordStore(0)
	e := NewEngine(f.ledger, f.breaker, staticFee(5000), WithRecords(records))

	before := testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(metrics.SettlementSuccess))
	txID, err := e.Settle(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, "5tx", txID)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(metrics.SettlementSuccess)))

	require.Len(t, f.ledger.submitted, 1)
	ixs := f.ledger.submitted[0]
	require.Len(t, ixs, 3)
	assert.Equal(t, solana.ComputeBudgetProgramID, ixs[0].ProgramID)
	assert.Equal(t, solana.Ed25519ProgramID, ixs[1].ProgramID)
	assert.Equal(t, f.ledger.program.ID, ixs[2].ProgramID)
	assert.Len(t, ixs[2].Accounts, 8, "native vaults carry no token accounts")

	// The verify instruction carries the agent key and the exact claim message.
	data := ixs[1].Data
	assert.Equal(t, f.req.Agent.Bytes(), data[16:48])
	msg := data[112:]
	assert.Len(t, msg, flowvault.MessageLength)
	assert.True(t, ed25519.Verify(f.agentKey.Public().(ed25519.PublicKey), msg, data[48:112]))

	list, err := records.List(context.Background(), f.req.Agent.String(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusConfirmed, list[0].Status)
	assert.Equal(t, "5tx", list[0].TxID)
	assert.Equal(t, "native_spl", list[0].Protocol)
	assert.NotEmpty(t, list[0].ID)
}

func TestSettle_TokenVaultAndZeroFee(t *testing.T) {
	f := newFixture(t, solana.PublicKey{42})
	e := NewEngine(f.ledger, f.breaker, staticFee(0))

	_, err := e.Settle(context.Background(), f.req)
	require.NoError(t, err)

	ixs := f.ledger.submitted[0]
	require.Len(t, ixs, 2, "no compute budget instruction at zero fee")
	assert.Equal(t, solana.Ed25519ProgramID, ixs[0].ProgramID)
	assert.Len(t, ixs[1].Accounts, 9)
}

func TestSettle_CircuitOpen(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	f.breaker.RecordFailure()
	f.breaker.RecordFailure()
	require.Equal(t, circuitbreaker.StateOpen, f.breaker.State())

	e := NewEngine(f.ledger, f.breaker, staticFee(0))
	assert.False(t, e.CanSettle())

	before := testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(metrics.SettlementBlocked))
	_, err := e.Settle(context.Background(), f.req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, f.ledger.calls, "no ledger call while open")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(metrics.SettlementBlocked)))
}

func TestSettle_LedgerRejection(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	f.ledger.confirmErr = &flowvault.ProgramError{Code: flowvault.CodeInvalidNonce, Instruction: 2, TxID: "5tx"}
	records := NewMemoryRecordStore(0)
	e := NewEngine(f.ledger, f.breaker, staticFee(0), WithRecords(records))

	_, err := e.Settle(context.Background(), f.req)
	var lr *LedgerRejection
	require.True(t, errors.As(err, &lr))
	assert.Equal(t, flowvault.CodeInvalidNonce, lr.Code)
	assert.Equal(t, "InvalidNonce", lr.Reason)
	assert.Contains(t, err.Error(), "InvalidNonce (6002)")

	failures, _ := f.breaker.Counts()
	assert.Equal(t, 1, failures)

	list, _ := records.List(context.Background(), "", 10)
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Equal(t, "5tx", list[0].TxID)
}

func TestSettle_RepeatedFailuresOpenBreaker(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	f.ledger.submitErr = errors.New("rpc unavailable")
	e := NewEngine(f.ledger, f.breaker, staticFee(0))

	for i := 0; i < 2; i++ {
		_, err := e.Settle(context.Background(), f.req)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.State())

	_, err := e.Settle(context.Background(), f.req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSettle_Timeout(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	f.ledger.blockReads = true
	e := NewEngine(f.ledger, f.breaker, staticFee(0), WithConfig(Config{CallTimeout: 20 * time.Millisecond}))

	_, err := e.Settle(context.Background(), f.req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	failures, _ := f.breaker.Counts()
	assert.Equal(t, 1, failures)
}

func TestSettle_BridgeNotConfigured(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	f.ledger.provider.Protocol = flowvault.ProtocolBridge
	e := NewEngine(f.ledger, f.breaker, staticFee(0))

	_, err := e.Settle(context.Background(), f.req)
	assert.ErrorIs(t, err, ErrBridgeNotConfigured)
	assert.Empty(t, f.ledger.submitted)
}

type fakeBridge struct {
	got BridgeRequest
}

func (b *fakeBridge) Settle(_ context.Context, req BridgeRequest) (string, error) {
	b.got = req
	return "bridge-tx-1", nil
}

func TestSettle_ViaBridge(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	f.ledger.provider.Protocol = flowvault.ProtocolBridge
	f.ledger.provider.MerchantID = "m-123"
	bridge := &fakeBridge{}
	merchant := &recordingMerchant{got: make(chan string, 1)}
	e := NewEngine(f.ledger, f.breaker, staticFee(0),
		WithBridge(bridge),
		WithMerchants(merchant),
		WithConfig(Config{DestinationChain: "base"}),
	)

	before := testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(metrics.SettlementSuccessBridge))
	txID, err := e.Settle(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, "bridge-tx-1", txID)
	assert.Empty(t, f.ledger.submitted, "bridge settlements never touch the ledger")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(metrics.SettlementSuccessBridge)))

	assert.Equal(t, "solana", bridge.got.SourceChain)
	assert.Equal(t, "base", bridge.got.DestinationChain)
	assert.Equal(t, "100000", bridge.got.Amount)
	assert.Equal(t, "5", bridge.got.Nonce)
	assert.Equal(t, f.req.Vault.String(), bridge.got.Metadata.VaultPda)
	assert.Equal(t, "m-123", bridge.got.Metadata.MerchantID)

	select {
	case got := <-merchant.got:
		assert.Equal(t, "m-123:bridge-tx-1", got)
	case <-time.After(time.Second):
		t.Fatal("merchant record not sent")
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []*Record
}

func (n *recordingNotifier) SettlementRecorded(r *Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, r)
}

func TestSettle_NotifiesOutcomes(t *testing.T) {
	f := newFixture(t, solana.NativeMint)
	n := &recordingNotifier{}
	e := NewEngine(f.ledger, f.breaker, staticFee(0), WithNotifier(n))

	_, err := e.Settle(context.Background(), f.req)
	require.NoError(t, err)

	f.ledger.submitErr = errors.New("rpc unavailable")
	_, err = e.Settle(context.Background(), f.req)
	require.Error(t, err)

	require.Len(t, n.records, 2)
	assert.Equal(t, StatusConfirmed, n.records[0].Status)
	assert.Equal(t, "5tx", n.records[0].TxID)
	assert.Equal(t, StatusFailed, n.records[1].Status)
	assert.Contains(t, n.records[1].Error, "rpc unavailable")
}
