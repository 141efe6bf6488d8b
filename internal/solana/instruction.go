package solana

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// AccountMeta describes one account an instruction touches.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Meta is shorthand for building an AccountMeta.
func Meta(pk PublicKey, signer, writable bool) AccountMeta {
	return AccountMeta{PublicKey: pk, IsSigner: signer, IsWritable: writable}
}

// Instruction is a program invocation inside a transaction.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

const setComputeUnitPriceTag = 3

// NewSetComputeUnitPriceInstruction bids microLamports per compute unit as a
// priority fee.
func NewSetComputeUnitPriceInstruction(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = setComputeUnitPriceTag
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: data}
}

// Layout of a single-signature ed25519 verify instruction. Offsets are fixed
// so a program introspecting the instruction can read the public key at
// [16:48] and the message at [112:].
const (
	ed25519HeaderLen      = 16
	ed25519PubkeyOffset   = ed25519HeaderLen
	ed25519SigOffset      = ed25519PubkeyOffset + ed25519.PublicKeySize
	ed25519MessageOffset  = ed25519SigOffset + ed25519.SignatureSize
	ed25519CurrentIxIndex = 0xFFFF
)

// NewEd25519Instruction builds a native signature-verification instruction
// proving that pubkey signed message.
func NewEd25519Instruction(pubkey PublicKey, message, signature []byte) (Instruction, error) {
	if len(signature) != ed25519.SignatureSize {
		return Instruction{}, fmt.Errorf("solana: ed25519 signature must be %d bytes, got %d", ed25519.SignatureSize, len(signature))
	}
	if len(message) > 0xFFFF-ed25519MessageOffset {
		return Instruction{}, fmt.Errorf("solana: ed25519 message too long (%d bytes)", len(message))
	}

	data := make([]byte, ed25519MessageOffset+len(message))
	data[0] = 1 // signature count
	data[1] = 0 // padding
	le := binary.LittleEndian
	le.PutUint16(data[2:], ed25519SigOffset)
	le.PutUint16(data[4:], ed25519CurrentIxIndex)
	le.PutUint16(data[6:], ed25519PubkeyOffset)
	le.PutUint16(data[8:], ed25519CurrentIxIndex)
	le.PutUint16(data[10:], ed25519MessageOffset)
	le.PutUint16(data[12:], uint16(len(message)))
	le.PutUint16(data[14:], ed25519CurrentIxIndex)
	copy(data[ed25519PubkeyOffset:], pubkey[:])
	copy(data[ed25519SigOffset:], signature)
	copy(data[ed25519MessageOffset:], message)

	return Instruction{ProgramID: Ed25519ProgramID, Data: data}, nil
}
