package chain

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mr-tron/base58"

	"clockswitch/pkg/pubkey"
)

const messagePrefix = "clockswitch-tx-v1"

// Transaction is a signed, ordered list of instructions.
// Nonce keeps otherwise identical transactions from sharing a signature.
type Transaction struct {
	FeePayer     pubkey.Key            `json:"fee_payer"`
	Nonce        uint64                `json:"nonce"`
	Instructions []Instruction         `json:"instructions"`
	Signatures   map[pubkey.Key][]byte `json:"signatures,omitempty"`
}

// NewTransaction builds an unsigned transaction with a random nonce.
func NewTransaction(feePayer pubkey.Key, ixs ...Instruction) *Transaction {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return &Transaction{
		FeePayer:     feePayer,
		Nonce:        binary.LittleEndian.Uint64(b[:]),
		Instructions: ixs,
	}
}

// Message returns the canonical bytes covered by signatures.
func (tx *Transaction) Message() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, messagePrefix...)
	buf = append(buf, tx.FeePayer[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tx.Instructions)))
	for _, ix := range tx.Instructions {
		buf = append(buf, ix.ProgramID[:]...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Accounts)))
		for _, m := range ix.Accounts {
			buf = append(buf, m.Key[:]...)
			var flags byte
			if m.IsSigner {
				flags |= 1
			}
			if m.IsWritable {
				flags |= 2
			}
			buf = append(buf, flags)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// checkSize rejects counts that do not fit their Message length prefixes.
func (tx *Transaction) checkSize() error {
	if len(tx.Instructions) > math.MaxUint16 {
		return fmt.Errorf("%w: %d instructions", ErrTransactionTooLarge, len(tx.Instructions))
	}
	for i, ix := range tx.Instructions {
		if len(ix.Accounts) > math.MaxUint16 {
			return fmt.Errorf("%w: instruction %d has %d accounts", ErrTransactionTooLarge, i, len(ix.Accounts))
		}
		if uint64(len(ix.Data)) > math.MaxUint32 {
			return fmt.Errorf("%w: instruction %d data is %d bytes", ErrTransactionTooLarge, i, len(ix.Data))
		}
	}
	return nil
}

// RequiredSigners lists the fee payer followed by every signer meta of the
// top-level instructions, without duplicates.
func (tx *Transaction) RequiredSigners() []pubkey.Key {
	seen := map[pubkey.Key]bool{tx.FeePayer: true}
	out := []pubkey.Key{tx.FeePayer}
	for _, ix := range tx.Instructions {
		for _, m := range ix.Accounts {
			if m.IsSigner && !seen[m.Key] {
				seen[m.Key] = true
				out = append(out, m.Key)
			}
		}
	}
	return out
}

// Sign adds signatures from the given keypairs. Keypairs that are not
// required signers are ignored.
func (tx *Transaction) Sign(signers ...pubkey.Keypair) {
	if tx.Signatures == nil {
		tx.Signatures = map[pubkey.Key][]byte{}
	}
	msg := tx.Message()
	required := map[pubkey.Key]bool{}
	for _, k := range tx.RequiredSigners() {
		required[k] = true
	}
	for _, kp := range signers {
		if kp.IsZero() {
			continue
		}
		k := kp.PublicKey()
		if !required[k] {
			continue
		}
		tx.Signatures[k] = kp.Sign(msg)
	}
}

// Signature is the fee payer's signature in base58, used as the transaction id.
func (tx *Transaction) Signature() string {
	sig := tx.Signatures[tx.FeePayer]
	if len(sig) == 0 {
		return ""
	}
	return base58.Encode(sig)
}

// verify checks every required signature and returns the set of signers.
func (tx *Transaction) verify() (map[pubkey.Key]bool, error) {
	if len(tx.Instructions) == 0 {
		return nil, ErrEmptyTransaction
	}
	if err := tx.checkSize(); err != nil {
		return nil, err
	}
	msg := tx.Message()
	signed := map[pubkey.Key]bool{}
	for _, k := range tx.RequiredSigners() {
		sig, ok := tx.Signatures[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSignature, k)
		}
		if !pubkey.Verify(k, msg, sig) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, k)
		}
		signed[k] = true
	}
	return signed, nil
}
