package transfer

import (
	"github.com/code-payments/code-transfer/pkg/ledger"
)

// Error is a transfer failure. Each failure kind is a distinct value with its
// own instruction error key, so callers can tell authorization failures apart
// from arithmetic and decoding failures.
type Error struct {
	key     ledger.InstructionErrorKey
	message string
}

func newError(key ledger.InstructionErrorKey, message string) *Error {
	return &Error{
		key:     key,
		message: message,
	}
}

func (e *Error) Error() string {
	return "transfer: " + e.message
}

// Key returns the instruction error key reported by the runtime.
func (e *Error) Key() ledger.InstructionErrorKey {
	return e.key
}

var (
	// ErrMissingAccount indicates fewer than two usable accounts were supplied.
	ErrMissingAccount = newError(ledger.InstructionErrorMissingAccount, "missing account")

	// ErrInvalidAccountPair indicates the source and destination are the same account.
	ErrInvalidAccountPair = newError(ledger.InstructionErrorInvalidAccountPair, "source and destination must be distinct")

	// ErrMissingRequiredSignature indicates the source account did not sign.
	ErrMissingRequiredSignature = newError(ledger.InstructionErrorMissingRequiredSignature, "source account must sign")

	// ErrAccountNotWritable indicates the source or destination is read-only.
	ErrAccountNotWritable = newError(ledger.InstructionErrorAccountNotWritable, "source and destination must be writable")

	// ErrInvalidInstructionData indicates the payload is too short to hold an amount.
	ErrInvalidInstructionData = newError(ledger.InstructionErrorInvalidInstructionData, "invalid instruction data")

	// ErrInsufficientFunds indicates the source balance is below the amount.
	ErrInsufficientFunds = newError(ledger.InstructionErrorInsufficientFunds, "insufficient funds")

	// ErrBalanceOverflow indicates crediting the destination would overflow.
	ErrBalanceOverflow = newError(ledger.InstructionErrorArithmeticOverflow, "destination balance overflow")
)
