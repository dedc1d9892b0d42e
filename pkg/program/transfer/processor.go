package transfer

import (
	"bytes"
	"math/bits"

	"github.com/code-payments/code-transfer/pkg/ledger"
)

// Process moves lamports from accounts[0] (source) to accounts[1]
// (destination). The amount is the little-endian uint64 in data[0:8]; bytes
// past offset 8 are ignored.
//
// Checks run in a fixed order and the first failure is returned with neither
// balance modified:
//
//  1. at least two accounts, neither nil      ErrMissingAccount
//     nor missing a balance
//  2. source and destination are distinct     ErrInvalidAccountPair
//  3. source signed                           ErrMissingRequiredSignature
//  4. both accounts are writable              ErrAccountNotWritable
//  5. data holds an amount                    ErrInvalidInstructionData
//  6. source covers the amount                ErrInsufficientFunds
//  7. destination can hold the amount         ErrBalanceOverflow
//
// Both new balances are computed before either is written. Process does not
// retain any account after returning.
func Process(accounts []*ledger.AccountInfo, data []byte) error {
	if len(accounts) < 2 || !isUsable(accounts[0]) || !isUsable(accounts[1]) {
		return ErrMissingAccount
	}
	source, destination := accounts[0], accounts[1]

	// Aliased balances are the same account regardless of the keys presented.
	if bytes.Equal(source.PublicKey, destination.PublicKey) || source.Lamports == destination.Lamports {
		return ErrInvalidAccountPair
	}

	signed, err := authorize(source)
	if err != nil {
		return err
	}

	if !source.IsWritable || !destination.IsWritable {
		return ErrAccountNotWritable
	}

	amount, err := DecodeAmount(data)
	if err != nil {
		return err
	}

	pending, err := prepare(signed, destination, amount)
	if err != nil {
		return err
	}

	pending.commit()
	return nil
}

// signedSource is a source account that passed the signer check. The only way
// to obtain one is authorize, and prepare only debits a signedSource.
type signedSource struct {
	account *ledger.AccountInfo
}

func authorize(account *ledger.AccountInfo) (*signedSource, error) {
	if !account.IsSigner {
		return nil, ErrMissingRequiredSignature
	}
	return &signedSource{account: account}, nil
}

// pendingTransfer holds fully checked post-transfer balances.
type pendingTransfer struct {
	source      *signedSource
	destination *ledger.AccountInfo

	sourceBalance      uint64
	destinationBalance uint64
}

func prepare(source *signedSource, destination *ledger.AccountInfo, amount uint64) (*pendingTransfer, error) {
	sourceBalance, ok := checkedSub(*source.account.Lamports, amount)
	if !ok {
		return nil, ErrInsufficientFunds
	}

	destinationBalance, ok := checkedAdd(*destination.Lamports, amount)
	if !ok {
		return nil, ErrBalanceOverflow
	}

	return &pendingTransfer{
		source:             source,
		destination:        destination,
		sourceBalance:      sourceBalance,
		destinationBalance: destinationBalance,
	}, nil
}

func (p *pendingTransfer) commit() {
	*p.source.account.Lamports = p.sourceBalance
	*p.destination.Lamports = p.destinationBalance
}

func isUsable(account *ledger.AccountInfo) bool {
	return account != nil && account.Lamports != nil
}

func checkedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}
