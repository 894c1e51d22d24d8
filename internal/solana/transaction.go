package solana

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/mr-tron/base58"
)

// Hash is a 32-byte SHA-256 digest, used for recent blockhashes.
type Hash [32]byte

// ParseHash decodes a base58 hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash %q: decoded to %d bytes, want %d", s, len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}

// String returns the base58 form.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// AccountMeta references an account passed to an instruction.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program call inside a transaction.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// MessageHeader counts signer and read-only accounts in a message.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction is an Instruction with accounts replaced by indexes
// into the message account list.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

// Transaction is a signed legacy transaction.
type Transaction struct {
	Signatures []Signature
	Message    Message
}

// ErrTooManyAccounts is returned when a message would reference more than
// 256 accounts.
var ErrTooManyAccounts = errors.New("transaction references too many accounts")

// NewTransaction compiles instructions into an unsigned legacy transaction.
// The fee payer is always the first account and a writable signer.
func NewTransaction(instructions []Instruction, recentBlockhash Hash, feePayer PublicKey) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, errors.New("transaction needs at least one instruction")
	}

	type entry struct {
		key      PublicKey
		signer   bool
		writable bool
	}
	order := []PublicKey{feePayer}
	metas := map[PublicKey]*entry{feePayer: {key: feePayer, signer: true, writable: true}}

	add := func(key PublicKey, signer, writable bool) {
		if e, ok := metas[key]; ok {
			e.signer = e.signer || signer
			e.writable = e.writable || writable
			return
		}
		metas[key] = &entry{key: key, signer: signer, writable: writable}
		order = append(order, key)
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			add(acc.PublicKey, acc.IsSigner, acc.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	// Stable partition: writable signers, read-only signers, writable
	// non-signers, read-only non-signers.
	var buckets [4][]PublicKey
	for _, key := range order {
		e := metas[key]
		switch {
		case e.signer && e.writable:
			buckets[0] = append(buckets[0], key)
		case e.signer:
			buckets[1] = append(buckets[1], key)
		case e.writable:
			buckets[2] = append(buckets[2], key)
		default:
			buckets[3] = append(buckets[3], key)
		}
	}

	keys := make([]PublicKey, 0, len(order))
	for _, b := range buckets {
		keys = append(keys, b...)
	}
	if len(keys) > 256 {
		return nil, ErrTooManyAccounts
	}

	index := make(map[PublicKey]uint8, len(keys))
	for i, k := range keys {
		index[k] = uint8(i)
	}

	msg := Message{
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(len(buckets[0]) + len(buckets[1])),
			NumReadonlySignedAccounts:   uint8(len(buckets[1])),
			NumReadonlyUnsignedAccounts: uint8(len(buckets[3])),
		},
		AccountKeys:     keys,
		RecentBlockhash: recentBlockhash,
	}
	for _, ix := range instructions {
		ci := CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       make([]uint8, 0, len(ix.Accounts)),
			Data:           ix.Data,
		}
		for _, acc := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[acc.PublicKey])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}

	return &Transaction{
		Signatures: make([]Signature, msg.Header.NumRequiredSignatures),
		Message:    msg,
	}, nil
}

// Sign signs the message with every required signer. Each signer must be
// one of the message's signer accounts.
func (tx *Transaction) Sign(signers ...*Keypair) error {
	data, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	signed := make([]bool, required)
	for _, s := range signers {
		pk := s.PublicKey()
		pos := -1
		for i := 0; i < required; i++ {
			if tx.Message.AccountKeys[i] == pk {
				pos = i
				break
			}
		}
		if pos < 0 {
			return fmt.Errorf("signer %s is not required by this transaction", pk)
		}
		tx.Signatures[pos] = s.Sign(data)
		signed[pos] = true
	}
	for i, ok := range signed {
		if !ok {
			return fmt.Errorf("missing signature for %s", tx.Message.AccountKeys[i])
		}
	}
	return nil
}

// Signature returns the first (fee payer) signature, which is the
// transaction's ID.
func (tx *Transaction) Signature() Signature {
	if len(tx.Signatures) == 0 {
		return Signature{}
	}
	return tx.Signatures[0]
}

// MarshalBinary serializes the message in the legacy wire format. It fails
// when a length does not fit in a compact-u16.
func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)

	if err := writeCompactU16(&buf, len(m.AccountKeys)); err != nil {
		return nil, fmt.Errorf("account keys: %w", err)
	}
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])

	if err := writeCompactU16(&buf, len(m.Instructions)); err != nil {
		return nil, fmt.Errorf("instructions: %w", err)
	}
	for i, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		if err := writeCompactU16(&buf, len(ix.Accounts)); err != nil {
			return nil, fmt.Errorf("instruction %d accounts: %w", i, err)
		}
		buf.Write(ix.Accounts)
		if err := writeCompactU16(&buf, len(ix.Data)); err != nil {
			return nil, fmt.Errorf("instruction %d data: %w", i, err)
		}
		buf.Write(ix.Data)
	}
	return buf.Bytes(), nil
}

// MarshalBinary serializes the signed transaction.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCompactU16(&buf, len(tx.Signatures)); err != nil {
		return nil, fmt.Errorf("signatures: %w", err)
	}
	for _, s := range tx.Signatures {
		buf.Write(s[:])
	}
	buf.Write(msg)
	return buf.Bytes(), nil
}

// Base64 returns the serialized transaction as base64, the encoding
// sendTransaction expects.
func (tx *Transaction) Base64() (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// writeCompactU16 writes n as a little-endian base-128 varint of at most
// three bytes.
func writeCompactU16(buf *bytes.Buffer, n int) error {
	if n < 0 || n > math.MaxUint16 {
		return fmt.Errorf("compact-u16: %d out of range", n)
	}
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return nil
		}
		buf.WriteByte(b | 0x80)
	}
}

// readCompactU16 decodes a compact-u16 from b, returning the value and the
// number of bytes consumed. Only the shortest encoding of a value is
// accepted.
func readCompactU16(b []byte) (int, int, error) {
	var v int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("compact-u16: unexpected end of input")
		}
		c := b[i]
		if i == 2 && c > 0x03 {
			return 0, 0, errors.New("compact-u16: value overflows u16")
		}
		v |= int(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			if i > 0 && c == 0 {
				return 0, 0, errors.New("compact-u16: non-canonical encoding")
			}
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("compact-u16: value too long")
}

// DecodeTransaction parses a legacy wire-format transaction.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	r := &reader{b: raw}

	nsig := r.compact()
	if r.err == nil && nsig*SignatureLength > r.remaining() {
		return nil, fmt.Errorf("decode transaction: %d signatures exceed %d remaining bytes", nsig, r.remaining())
	}
	tx := &Transaction{Signatures: make([]Signature, 0, nsig)}
	for i := 0; i < nsig && r.err == nil; i++ {
		var s Signature
		copy(s[:], r.take(SignatureLength))
		tx.Signatures = append(tx.Signatures, s)
	}

	hdr := r.take(3)
	if r.err == nil {
		tx.Message.Header = MessageHeader{hdr[0], hdr[1], hdr[2]}
	}
	nkeys := r.compact()
	for i := 0; i < nkeys && r.err == nil; i++ {
		var k PublicKey
		copy(k[:], r.take(PublicKeyLength))
		tx.Message.AccountKeys = append(tx.Message.AccountKeys, k)
	}
	copy(tx.Message.RecentBlockhash[:], r.take(32))

	nix := r.compact()
	for i := 0; i < nix && r.err == nil; i++ {
		var ci CompiledInstruction
		if b := r.take(1); r.err == nil {
			ci.ProgramIDIndex = b[0]
		}
		ci.Accounts = append([]uint8{}, r.take(r.compact())...)
		ci.Data = append([]byte{}, r.take(r.compact())...)
		tx.Message.Instructions = append(tx.Message.Instructions, ci)
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode transaction: %w", r.err)
	}
	if r.pos != len(raw) {
		return nil, fmt.Errorf("decode transaction: %d trailing bytes", len(raw)-r.pos)
	}
	return tx, nil
}

type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) remaining() int { return len(r.b) - r.pos }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.b) {
		r.err = errors.New("unexpected end of input")
		return nil
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) compact() int {
	if r.err != nil {
		return 0
	}
	v, n, err := readCompactU16(r.b[r.pos:])
	if err != nil {
		r.err = err
		return 0
	}
	r.pos += n
	return v
}
