package runtime

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/code-payments/code-transfer/pkg/ledger"
)

// TransactionError rejects a transaction as a whole. No account state is
// modified when a TransactionError is returned.
type TransactionError struct {
	key   ledger.TransactionErrorKey
	cause error
}

func newTransactionError(key ledger.TransactionErrorKey, cause error) *TransactionError {
	return &TransactionError{
		key:   key,
		cause: cause,
	}
}

func newTransactionErrorf(key ledger.TransactionErrorKey, format string, args ...interface{}) *TransactionError {
	return newTransactionError(key, errors.Errorf(format, args...))
}

func (e *TransactionError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("transaction error: %s", e.key)
	}
	return fmt.Sprintf("transaction error: %s: %v", e.key, e.cause)
}

func (e *TransactionError) Unwrap() error {
	return e.cause
}

// Key returns the reason the transaction was rejected
func (e *TransactionError) Key() ledger.TransactionErrorKey {
	return e.key
}

// InstructionError is returned when an instruction fails. The transaction is
// rolled back in its entirety.
type InstructionError struct {
	Index int
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d failed: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

// Key returns the key carried by the program error, or GenericError when the
// program returned an error without one.
func (e *InstructionError) Key() ledger.InstructionErrorKey {
	var keyed interface {
		Key() ledger.InstructionErrorKey
	}
	if errors.As(e.Err, &keyed) {
		return keyed.Key()
	}
	return ledger.InstructionErrorGenericError
}

var (
	errUnbalancedInstruction = &keyedError{
		key:     ledger.InstructionErrorUnbalancedInstruction,
		message: "sum of account balances changed",
	}
	errReadonlyLamportChange = &keyedError{
		key:     ledger.InstructionErrorReadonlyLamportChange,
		message: "balance of a readonly account changed",
	}
)

type keyedError struct {
	key     ledger.InstructionErrorKey
	message string
}

func (e *keyedError) Error() string {
	return e.message
}

func (e *keyedError) Key() ledger.InstructionErrorKey {
	return e.key
}

// ErrorKey classifies an error returned by Executor.Execute. Errors that are
// neither a TransactionError nor an InstructionError are Internal.
func ErrorKey(err error) ledger.TransactionErrorKey {
	var instructionErr *InstructionError
	if errors.As(err, &instructionErr) {
		return ledger.TransactionErrorInstructionError
	}

	var transactionErr *TransactionError
	if errors.As(err, &transactionErr) {
		return transactionErr.key
	}

	return ledger.TransactionErrorInternal
}
