package ledger

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// MaxTransactionSize is the largest marshalled transaction the runtime accepts.
const MaxTransactionSize = 1232

var (
	ErrSignatureMismatch = errors.New("signature count does not match header")
	ErrInvalidSignature  = errors.New("invalid signature")
)

type Signature [ed25519.SignatureSize]byte
type Blockhash [sha256.Size]byte

// Header describes how Message.Accounts is partitioned.
//
// Accounts are laid out as: writable signers, readonly signers, writable
// non-signers, readonly non-signers.
type Header struct {
	NumSignatures     byte
	NumReadonlySigned byte
	NumReadOnly       byte
}

type Message struct {
	Header          Header
	Accounts        []ed25519.PublicKey
	RecentBlockhash Blockhash
	Instructions    []CompiledInstruction
}

type Transaction struct {
	Signatures []Signature
	Message    Message
}

// NewTransaction compiles the instructions into a single unsigned transaction
// paid for by payer.
func NewTransaction(payer ed25519.PublicKey, instructions ...Instruction) Transaction {
	accounts := []AccountMeta{
		{
			PublicKey:  payer,
			IsSigner:   true,
			IsWritable: true,
			isPayer:    true,
		},
	}

	for _, i := range instructions {
		accounts = append(accounts, AccountMeta{
			PublicKey: i.Program,
			isProgram: true,
		})
		accounts = append(accounts, i.Accounts...)
	}

	accounts = filterUnique(accounts)
	sort.Sort(sortableAccountMeta(accounts))

	var m Message
	for _, account := range accounts {
		m.Accounts = append(m.Accounts, account.PublicKey)

		if account.IsSigner {
			m.Header.NumSignatures++

			if !account.IsWritable {
				m.Header.NumReadonlySigned++
			}
		} else if !account.IsWritable {
			m.Header.NumReadOnly++
		}
	}

	for _, i := range instructions {
		c := CompiledInstruction{
			ProgramIndex: byte(indexOf(m.Accounts, i.Program)),
			Data:         i.Data,
		}

		for _, a := range i.Accounts {
			c.Accounts = append(c.Accounts, byte(indexOf(m.Accounts, a.PublicKey)))
		}

		m.Instructions = append(m.Instructions, c)
	}

	return Transaction{
		Signatures: make([]Signature, m.Header.NumSignatures),
		Message:    m,
	}
}

// Signature returns the first signature, which identifies the transaction.
func (t *Transaction) Signature() []byte {
	if len(t.Signatures) == 0 {
		return nil
	}
	return t.Signatures[0][:]
}

func (t *Transaction) SetBlockhash(bh Blockhash) {
	t.Message.RecentBlockhash = bh
}

// Sign signs the message with each of the provided keys. Every key must belong
// to a signer slot of the message.
func (t *Transaction) Sign(signers ...ed25519.PrivateKey) error {
	messageBytes := t.Message.Marshal()

	for _, s := range signers {
		pub := s.Public().(ed25519.PublicKey)
		index := indexOf(t.Message.Accounts, pub)
		if index < 0 {
			return errors.Errorf("signing account %s is not in the account list", base58.Encode(pub))
		}
		if index >= len(t.Signatures) {
			return errors.Errorf("signing account %s is not in the list of signers", base58.Encode(pub))
		}

		copy(t.Signatures[index][:], ed25519.Sign(s, messageBytes))
	}

	return nil
}

// VerifySignatures checks that every signer slot holds a valid signature over
// the marshalled message.
func (t *Transaction) VerifySignatures() error {
	numSignatures := int(t.Message.Header.NumSignatures)
	if len(t.Signatures) != numSignatures || len(t.Message.Accounts) < numSignatures {
		return ErrSignatureMismatch
	}

	messageBytes := t.Message.Marshal()
	for i := 0; i < numSignatures; i++ {
		pub := t.Message.Accounts[i]
		if len(pub) != ed25519.PublicKeySize {
			return errors.Wrapf(ErrInvalidSignature, "malformed signer key at %d", i)
		}
		if !ed25519.Verify(pub, messageBytes, t.Signatures[i][:]) {
			return errors.Wrapf(ErrInvalidSignature, "signature %d does not verify for %s", i, base58.Encode(pub))
		}
	}

	return nil
}

// IsSigner reports whether the account at index i signed the message.
func (m Message) IsSigner(i int) bool {
	return i >= 0 && i < int(m.Header.NumSignatures) && i < len(m.Accounts)
}

// IsWritable reports whether the account at index i may be mutated.
func (m Message) IsWritable(i int) bool {
	if i < 0 || i >= len(m.Accounts) {
		return false
	}

	numSignatures := int(m.Header.NumSignatures)
	if i < numSignatures {
		return i < numSignatures-int(m.Header.NumReadonlySigned)
	}
	return i < len(m.Accounts)-int(m.Header.NumReadOnly)
}

func (t *Transaction) String() string {
	var sb strings.Builder
	sb.WriteString("Signatures:\n")
	for i, s := range t.Signatures {
		sb.WriteString(fmt.Sprintf("  %d: %s\n", i, base58.Encode(s[:])))
	}
	sb.WriteString("Message:\n")
	sb.WriteString("  Header:\n")
	sb.WriteString(fmt.Sprintf("    NumSignatures: %d\n", t.Message.Header.NumSignatures))
	sb.WriteString(fmt.Sprintf("    NumReadOnly: %d\n", t.Message.Header.NumReadOnly))
	sb.WriteString(fmt.Sprintf("    NumReadOnlySigned: %d\n", t.Message.Header.NumReadonlySigned))
	sb.WriteString("  Accounts:\n")
	for i, a := range t.Message.Accounts {
		sb.WriteString(fmt.Sprintf("    %d: %s\n", i, base58.Encode(a)))
	}
	sb.WriteString("  Instructions:\n")
	for i, instruction := range t.Message.Instructions {
		sb.WriteString(fmt.Sprintf("    %d:\n", i))
		sb.WriteString(fmt.Sprintf("      ProgramIndex: %d\n", instruction.ProgramIndex))
		sb.WriteString(fmt.Sprintf("      Accounts: %v\n", instruction.Accounts))
		sb.WriteString(fmt.Sprintf("      Data: %v\n", instruction.Data))
	}
	return sb.String()
}

// filterUnique merges duplicate account references, promoting permissions so
// the merged entry is as privileged as its most privileged reference.
func filterUnique(accounts []AccountMeta) []AccountMeta {
	filtered := make([]AccountMeta, 0, len(accounts))

	for _, account := range accounts {
		existing := -1
		for j := range filtered {
			if bytes.Equal(account.PublicKey, filtered[j].PublicKey) {
				existing = j
				break
			}
		}

		if existing < 0 {
			filtered = append(filtered, account)
			continue
		}

		merged := &filtered[existing]
		merged.IsSigner = merged.IsSigner || account.IsSigner
		merged.IsWritable = merged.IsWritable || account.IsWritable
		merged.isPayer = merged.isPayer || account.isPayer
		merged.isProgram = merged.isProgram && account.isProgram
	}

	return filtered
}

func indexOf(slice []ed25519.PublicKey, item ed25519.PublicKey) int {
	for i, val := range slice {
		if bytes.Equal(val, item) {
			return i
		}
	}

	return -1
}
