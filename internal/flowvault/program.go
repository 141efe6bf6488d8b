package flowvault

import (
	"encoding/binary"
	"fmt"

	"github.com/x402flash/facilitator/internal/solana"
)

// MessagePrefix tags every settlement claim the agent signs.
const MessagePrefix = "X402_FLOW_SETTLE"

// MessageLength is the size of a settlement claim message.
const MessageLength = len(MessagePrefix) + 2*solana.PublicKeyLength + 8 + 8

// settle_batch instruction discriminator: sha256("global:settle_batch")[:8].
var settleBatchDiscriminator = [8]byte{22, 2, 21, 223, 225, 122, 163, 214}

// Claim is the facilitator's settlement proposal that the agent countersigns.
type Claim struct {
	Amount uint64 `json:"amount"`
	Nonce  uint64 `json:"nonce"`
}

// BuildMessage encodes the exact bytes the agent signs and the ledger
// verifies: prefix ‖ vault ‖ provider ‖ amount (u64 LE) ‖ nonce (u64 LE).
func BuildMessage(vault, provider solana.PublicKey, amount, nonce uint64) []byte {
	msg := make([]byte, 0, MessageLength)
	msg = append(msg, MessagePrefix...)
	msg = append(msg, vault[:]...)
	msg = append(msg, provider[:]...)
	msg = binary.LittleEndian.AppendUint64(msg, amount)
	msg = binary.LittleEndian.AppendUint64(msg, nonce)
	return msg
}

// Program derives addresses and builds instructions for one deployment.
type Program struct {
	ID solana.PublicKey
}

// NewProgram returns a Program for id, or the default deployment if id is zero.
func NewProgram(id solana.PublicKey) *Program {
	if id.IsZero() {
		id = DefaultProgramID
	}
	return &Program{ID: id}
}

func (p *Program) derive(seeds ...[]byte) solana.PublicKey {
	addr, _, err := solana.FindProgramAddress(seeds, p.ID)
	if err != nil {
		// Seeds here are fixed-size; a failure means a broken program id.
		panic(fmt.Sprintf("flowvault: derive address: %v", err))
	}
	return addr
}

// VaultAddress is the vault PDA for an agent.
func (p *Program) VaultAddress(agent solana.PublicKey) solana.PublicKey {
	return p.derive([]byte(seedVault), agent[:])
}

// VaultTokenAccountAddress is the token account PDA owned by an agent's vault.
func (p *Program) VaultTokenAccountAddress(agent solana.PublicKey) solana.PublicKey {
	return p.derive([]byte(seedVaultTokenAccount), agent[:])
}

// ConfigAddress is the global config PDA.
func (p *Program) ConfigAddress() solana.PublicKey {
	return p.derive([]byte(seedConfig))
}

// ProviderAddress is the provider PDA for a provider authority.
func (p *Program) ProviderAddress(authority solana.PublicKey) solana.PublicKey {
	return p.derive([]byte(seedProvider), authority[:])
}

// SettleParams are the inputs to a settle_batch instruction.
type SettleParams struct {
	Facilitator solana.PublicKey
	Agent       solana.PublicKey
	Vault       *Vault
	Provider    *Provider
	Amount      uint64
	Nonce       uint64
}

// SettleBatchInstruction builds settle_batch. Native-asset vaults carry no
// token accounts; token vaults add the vault token account and token program.
func (p *Program) SettleBatchInstruction(sp SettleParams) solana.Instruction {
	data := make([]byte, 0, 24)
	data = append(data, settleBatchDiscriminator[:]...)
	data = binary.LittleEndian.AppendUint64(data, sp.Amount)
	data = binary.LittleEndian.AppendUint64(data, sp.Nonce)

	vaultAddr := sp.Vault.Address
	if vaultAddr.IsZero() {
		vaultAddr = p.VaultAddress(sp.Agent)
	}
	providerAddr := sp.Provider.Address
	if providerAddr.IsZero() {
		providerAddr = p.ProviderAddress(sp.Provider.Authority)
	}

	var accounts []solana.AccountMeta
	if sp.Vault.IsNative() {
		accounts = []solana.AccountMeta{
			solana.Meta(sp.Facilitator, true, true),
			solana.Meta(sp.Agent, false, false),
			solana.Meta(vaultAddr, false, true),
			solana.Meta(p.ConfigAddress(), false, false),
			solana.Meta(providerAddr, false, false),
			solana.Meta(sp.Provider.Destination, false, true),
			solana.Meta(solana.SystemProgramID, false, false),
			solana.Meta(solana.SysvarInstructionsPubkey, false, false),
		}
	} else {
		tokenAccount := sp.Vault.VaultTokenAccount
		if tokenAccount.IsZero() {
			tokenAccount = p.VaultTokenAccountAddress(sp.Agent)
		}
		accounts = []solana.AccountMeta{
			solana.Meta(sp.Facilitator, true, true),
			solana.Meta(sp.Agent, false, false),
			solana.Meta(vaultAddr, false, true),
			solana.Meta(tokenAccount, false, true),
			solana.Meta(p.ConfigAddress(), false, false),
			solana.Meta(providerAddr, false, false),
			solana.Meta(sp.Provider.Destination, false, true),
			solana.Meta(solana.TokenProgramID, false, false),
			solana.Meta(solana.SysvarInstructionsPubkey, false, false),
		}
	}

	return solana.Instruction{ProgramID: p.ID, Accounts: accounts, Data: data}
}
