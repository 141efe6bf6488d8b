package solana

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ErrTooManyAccounts is returned when a message references more than 256 accounts.
var ErrTooManyAccounts = errors.New("solana: message references too many accounts")

// Hash is a 32-byte blockhash.
type Hash [32]byte

// MessageHeader counts signer and read-only accounts in a compiled message.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into Message.AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a compiled legacy transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

type accountFlags struct {
	key      PublicKey
	signer   bool
	writable bool
}

// CompileMessage orders accounts as the runtime expects (writable signers,
// readonly signers, writable non-signers, readonly non-signers) with the fee
// payer first.
func CompileMessage(feePayer PublicKey, blockhash Hash, instructions []Instruction) (*Message, error) {
	index := map[PublicKey]int{}
	var ordered []*accountFlags
	add := func(pk PublicKey, signer, writable bool) {
		if i, ok := index[pk]; ok {
			ordered[i].signer = ordered[i].signer || signer
			ordered[i].writable = ordered[i].writable || writable
			return
		}
		index[pk] = len(ordered)
		ordered = append(ordered, &accountFlags{key: pk, signer: signer, writable: writable})
	}

	add(feePayer, true, true)
	for _, ix := range instructions {
		for _, m := range ix.Accounts {
			add(m.PublicKey, m.IsSigner, m.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	groups := make([][]PublicKey, 4)
	for _, a := range ordered {
		var g int
		switch {
		case a.signer && a.writable:
			g = 0
		case a.signer:
			g = 1
		case a.writable:
			g = 2
		default:
			g = 3
		}
		groups[g] = append(groups[g], a.key)
	}

	msg := &Message{RecentBlockhash: blockhash}
	for _, g := range groups {
		msg.AccountKeys = append(msg.AccountKeys, g...)
	}
	if len(msg.AccountKeys) > 256 {
		return nil, ErrTooManyAccounts
	}
	msg.Header = MessageHeader{
		NumRequiredSignatures:       uint8(len(groups[0]) + len(groups[1])),
		NumReadonlySignedAccounts:   uint8(len(groups[1])),
		NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
	}

	pos := make(map[PublicKey]uint8, len(msg.AccountKeys))
	for i, k := range msg.AccountKeys {
		pos[k] = uint8(i)
	}
	for _, ix := range instructions {
		ci := CompiledInstruction{ProgramIDIndex: pos[ix.ProgramID], Data: ix.Data}
		for _, m := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, pos[m.PublicKey])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// Serialize encodes the message in the legacy wire format. These bytes are
// what each signer signs.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)

	buf.Write(EncodeCompactU16(len(m.AccountKeys)))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])

	buf.Write(EncodeCompactU16(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		buf.Write(EncodeCompactU16(len(ix.Accounts)))
		buf.Write(ix.Accounts)
		buf.Write(EncodeCompactU16(len(ix.Data)))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// Transaction is a signed message.
type Transaction struct {
	Signatures [][]byte
	Message    *Message
}

// SignTransaction compiles and signs a transaction whose only required signer
// is the fee payer.
func SignTransaction(payer ed25519.PrivateKey, blockhash Hash, instructions []Instruction) (*Transaction, error) {
	pub, err := PublicKeyFromBytes(payer.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	msg, err := CompileMessage(pub, blockhash, instructions)
	if err != nil {
		return nil, err
	}
	if msg.Header.NumRequiredSignatures != 1 {
		return nil, fmt.Errorf("solana: transaction needs %d signers, only the fee payer is available", msg.Header.NumRequiredSignatures)
	}
	sig := ed25519.Sign(payer, msg.Serialize())
	return &Transaction{Signatures: [][]byte{sig}, Message: msg}, nil
}

// ID returns the base58 first signature, which the ledger uses as the
// transaction id.
func (tx *Transaction) ID() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return encodeSignature(tx.Signatures[0])
}

// Serialize encodes the signed transaction.
func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(EncodeCompactU16(len(tx.Signatures)))
	for _, s := range tx.Signatures {
		buf.Write(s)
	}
	buf.Write(tx.Message.Serialize())
	return buf.Bytes()
}

// EncodeCompactU16 encodes n in the ledger's variable-length "shortvec" format.
func EncodeCompactU16(n int) []byte {
	var out []byte
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
