// Package flowvault reads and writes the flow-vault ledger program: vault and
// provider account state, the agent-signed settlement claim, and the
// settle_batch instruction the facilitator submits.
package flowvault

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/x402flash/facilitator/internal/solana"
)

// DefaultProgramID is the deployed flow-vault program.
var DefaultProgramID = solana.MustPublicKey("Ca5JKghY5ECswAfm3NkvxeEXFmCongnnfkvpFyr5Yirg")

var (
	ErrAccountNotFound    = errors.New("flowvault: account not found")
	ErrWrongDiscriminator = errors.New("flowvault: account discriminator mismatch")
	ErrWrongOwner         = errors.New("flowvault: account not owned by program")
	ErrShortAccount       = errors.New("flowvault: account data too short")
)

// Account discriminators: first 8 bytes of sha256("account:<Name>").
var (
	vaultDiscriminator        = [8]byte{211, 8, 232, 43, 2, 152, 117, 119}
	providerDiscriminator     = [8]byte{164, 180, 71, 17, 75, 216, 80, 195}
	globalConfigDiscriminator = [8]byte{149, 8, 156, 202, 160, 252, 176, 217}
)

// PDA seeds.
const (
	seedVault             = "vault"
	seedVaultTokenAccount = "vault_token_account"
	seedConfig            = "config"
	seedProvider          = "provider"
)

// Protocol is the settlement route a provider accepts.
type Protocol uint8

const (
	ProtocolNativeSPL Protocol = iota // direct ledger transfer
	ProtocolBridge                    // cross-chain bridge
)

func (p Protocol) String() string {
	switch p {
	case ProtocolNativeSPL:
		return "native_spl"
	case ProtocolBridge:
		return "bridge"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Vault is an agent's deposit account.
type Vault struct {
	Address            solana.PublicKey `json:"address"`
	Agent              solana.PublicKey `json:"agent"`
	TokenMint          solana.PublicKey `json:"tokenMint"`
	VaultTokenAccount  solana.PublicKey `json:"vaultTokenAccount"`
	DepositAmount      uint64           `json:"depositAmount"`
	TotalSettled       uint64           `json:"totalSettled"`
	LastSettlementSlot uint64           `json:"lastSettlementSlot"`
	Nonce              uint64           `json:"nonce"`
}

// Available is deposit minus settled, floored at zero.
func (v *Vault) Available() uint64 {
	if v.TotalSettled >= v.DepositAmount {
		return 0
	}
	return v.DepositAmount - v.TotalSettled
}

// IsNative reports whether the vault holds the wrapped native asset rather
// than a token mint.
func (v *Vault) IsNative() bool {
	return v.TokenMint == solana.NativeMint
}

// Provider is a registered data/API provider.
type Provider struct {
	Address     solana.PublicKey `json:"address"`
	Authority   solana.PublicKey `json:"authority"`
	Destination solana.PublicKey `json:"destination"`
	MerchantID  string           `json:"merchantId,omitempty"`
	Protocol    Protocol         `json:"protocol"`
}

// GlobalConfig holds program-wide settlement parameters.
type GlobalConfig struct {
	Admin           solana.PublicKey `json:"admin"`
	SettleThreshold uint64           `json:"settleThreshold"`
	FeeBps          uint16           `json:"feeBps"`
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortAccount, n, r.off, len(r.b))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) pubkey() solana.PublicKey {
	var pk solana.PublicKey
	copy(pk[:], r.take(solana.PublicKeyLength))
	return pk
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) optionString() string {
	if r.u8() == 0 {
		return ""
	}
	b := r.take(4)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.LittleEndian.Uint32(b))))
}

func checkDiscriminator(data []byte, want [8]byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: %d bytes", ErrShortAccount, len(data))
	}
	if !bytes.Equal(data[:8], want[:]) {
		return ErrWrongDiscriminator
	}
	return nil
}

// DecodeVault parses vault account data.
func DecodeVault(data []byte) (*Vault, error) {
	if err := checkDiscriminator(data, vaultDiscriminator); err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	r := &reader{b: data, off: 8}
	v := &Vault{
		Agent:              r.pubkey(),
		TokenMint:          r.pubkey(),
		VaultTokenAccount:  r.pubkey(),
		DepositAmount:      r.u64(),
		TotalSettled:       r.u64(),
		LastSettlementSlot: r.u64(),
		Nonce:              r.u64(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode vault: %w", r.err)
	}
	return v, nil
}

// DecodeProvider parses provider account data.
func DecodeProvider(data []byte) (*Provider, error) {
	if err := checkDiscriminator(data, providerDiscriminator); err != nil {
		return nil, fmt.Errorf("decode provider: %w", err)
	}
	r := &reader{b: data, off: 8}
	p := &Provider{
		Authority:   r.pubkey(),
		Destination: r.pubkey(),
		MerchantID:  r.optionString(),
		Protocol:    Protocol(r.u8()),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode provider: %w", r.err)
	}
	return p, nil
}

// DecodeGlobalConfig parses the program config account.
func DecodeGlobalConfig(data []byte) (*GlobalConfig, error) {
	if err := checkDiscriminator(data, globalConfigDiscriminator); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	r := &reader{b: data, off: 8}
	c := &GlobalConfig{Admin: r.pubkey(), SettleThreshold: r.u64()}
	if b := r.take(2); b != nil {
		c.FeeBps = binary.LittleEndian.Uint16(b)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode config: %w", r.err)
	}
	return c, nil
}
