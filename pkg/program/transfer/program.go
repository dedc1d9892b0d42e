package transfer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/code-payments/code-transfer/pkg/ledger"
)

// AmountSize is the number of payload bytes holding the transfer amount.
const AmountSize = 8

// ProgramKey is the address the transfer program is registered under.
//
// Current key: 8yNqhYzpDwaNHjPaCtaZvZ7zaFRWewiSSRuAFaJVfbdG
var ProgramKey ed25519.PublicKey

func init() {
	var err error

	ProgramKey, err = base58.Decode("8yNqhYzpDwaNHjPaCtaZvZ7zaFRWewiSSRuAFaJVfbdG")
	if err != nil {
		panic(err)
	}
}

// NewTransferInstruction returns an instruction moving lamports from source
// to destination.
func NewTransferInstruction(source, destination ed25519.PublicKey, lamports uint64) ledger.Instruction {
	// # Account references
	//   0. [WRITE, SIGNER] Source account
	//   1. [WRITE] Destination account
	//
	// Transfer {
	//   // Number of lamports to move, little endian
	//   lamports: u64,
	// }
	return ledger.NewInstruction(
		ProgramKey,
		EncodeAmount(lamports),
		ledger.NewAccountMeta(source, true),
		ledger.NewAccountMeta(destination, false),
	)
}

type DecompiledTransfer struct {
	Source      ed25519.PublicKey
	Destination ed25519.PublicKey
	Lamports    uint64
}

func DecompileTransfer(m ledger.Message, index int) (*DecompiledTransfer, error) {
	if index < 0 || index >= len(m.Instructions) {
		return nil, errors.Errorf("instruction doesn't exist at %d", index)
	}

	i := m.Instructions[index]

	if int(i.ProgramIndex) >= len(m.Accounts) {
		return nil, errors.Errorf("program index out of range: %d", i.ProgramIndex)
	}
	if !bytes.Equal(m.Accounts[i.ProgramIndex], ProgramKey) {
		return nil, ledger.ErrIncorrectProgram
	}

	if len(i.Accounts) != 2 {
		return nil, errors.Errorf("invalid number of accounts: %d", len(i.Accounts))
	}
	for _, accountIndex := range i.Accounts {
		if int(accountIndex) >= len(m.Accounts) {
			return nil, errors.Errorf("account index out of range: %d", accountIndex)
		}
	}

	lamports, err := DecodeAmount(i.Data)
	if err != nil {
		return nil, errors.Errorf("invalid instruction data size: %d", len(i.Data))
	}

	return &DecompiledTransfer{
		Source:      m.Accounts[i.Accounts[0]],
		Destination: m.Accounts[i.Accounts[1]],
		Lamports:    lamports,
	}, nil
}

// EncodeAmount returns the instruction payload for a transfer of lamports.
func EncodeAmount(lamports uint64) []byte {
	data := make([]byte, AmountSize)
	binary.LittleEndian.PutUint64(data, lamports)
	return data
}

// DecodeAmount reads the transfer amount from a payload. Payloads shorter
// than AmountSize are rejected before any byte is read.
func DecodeAmount(data []byte) (uint64, error) {
	if len(data) < AmountSize {
		return 0, ErrInvalidInstructionData
	}
	return binary.LittleEndian.Uint64(data[:AmountSize]), nil
}
