package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/code-transfer/pkg/data/account"
	account_memory_client "github.com/code-payments/code-transfer/pkg/data/account/memory"
	"github.com/code-payments/code-transfer/pkg/ledger"
	"github.com/code-payments/code-transfer/pkg/lock"
	"github.com/code-payments/code-transfer/pkg/lock/local"
	"github.com/code-payments/code-transfer/pkg/program/transfer"
	"github.com/code-payments/code-transfer/pkg/testutil"
)

type testEnv struct {
	ctx       context.Context
	store     account.Store
	locker    lock.AccountLocker
	executor  *Executor
	overrides *testOverrides
}

func setup(t *testing.T, configure ...func(*testOverrides)) *testEnv {
	return setupWithStore(t, account_memory_client.New(), configure...)
}

func setupWithStore(t *testing.T, store account.Store, configure ...func(*testOverrides)) *testEnv {
	overrides := newTestOverrides()
	for _, fn := range configure {
		fn(overrides)
	}

	locker := local.New(local.DefaultStripes)
	t.Cleanup(locker.Close)

	executor := NewExecutor(store, locker, withManualTestOverrides(overrides))
	executor.RegisterProgram(transfer.ProgramKey, transfer.Process)

	return &testEnv{
		ctx:       context.Background(),
		store:     store,
		locker:    locker,
		executor:  executor,
		overrides: overrides,
	}
}

func newSignedTransaction(t *testing.T, payer testutil.Keypair, signers []testutil.Keypair, instructions ...ledger.Instruction) ledger.Transaction {
	txn := ledger.NewTransaction(payer.Public, instructions...)

	var blockhash ledger.Blockhash
	_, err := rand.Read(blockhash[:])
	require.NoError(t, err)
	txn.SetBlockhash(blockhash)

	keys := []ed25519.PrivateKey{payer.Private}
	for _, signer := range signers {
		keys = append(keys, signer.Private)
	}
	require.NoError(t, txn.Sign(keys...))

	return txn
}

func requireTransactionError(t *testing.T, err error, expected ledger.TransactionErrorKey) {
	require.Error(t, err)

	var transactionErr *TransactionError
	require.True(t, errors.As(err, &transactionErr), "expected TransactionError, got %v", err)
	assert.Equal(t, expected, transactionErr.Key())
	assert.Equal(t, expected, ErrorKey(err))
}

func requireInstructionError(t *testing.T, err error, index int, expected ledger.InstructionErrorKey) *InstructionError {
	require.Error(t, err)

	var instructionErr *InstructionError
	require.True(t, errors.As(err, &instructionErr), "expected InstructionError, got %v", err)
	assert.Equal(t, index, instructionErr.Index)
	assert.Equal(t, expected, instructionErr.Key())
	assert.Equal(t, ledger.TransactionErrorInstructionError, ErrorKey(err))
	return instructionErr
}

func TestExecute_Transfer(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 40))

	receipt, err := env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)
	assert.Equal(t, txn.Signatures[0], receipt.Signature)

	testutil.RequireBalance(t, env.store, source.Public, 60)
	testutil.RequireBalance(t, env.store, destination.Public, 40)

	require.Len(t, receipt.Accounts, 2)
	byKey := make(map[string]*account.Record)
	for _, record := range receipt.Accounts {
		byKey[record.PublicKey] = record
	}
	assert.EqualValues(t, 60, byKey[source.Address()].Lamports)
	assert.EqualValues(t, 2, byKey[source.Address()].Version)
	assert.EqualValues(t, 40, byKey[destination.Address()].Lamports)
	assert.EqualValues(t, 2, byKey[destination.Address()].Version)
}

func TestExecute_ZeroAmountDoesNotWrite(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 5)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 0))

	receipt, err := env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)
	for _, record := range receipt.Accounts {
		assert.EqualValues(t, 1, record.Version)
	}

	testutil.RequireBalance(t, env.store, source.Public, 100)
	testutil.RequireBalance(t, env.store, destination.Public, 5)
}

func TestExecute_InstructionsSeePriorResults(t *testing.T) {
	env := setup(t)

	a := testutil.NewKeypair(t)
	b := testutil.NewKeypair(t)
	c := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, a.Public, 100)
	testutil.CreateAccount(t, env.store, b.Public, 0)
	testutil.CreateAccount(t, env.store, c.Public, 0)

	txn := newSignedTransaction(
		t,
		a,
		[]testutil.Keypair{b},
		transfer.NewTransferInstruction(a.Public, b.Public, 60),
		transfer.NewTransferInstruction(b.Public, c.Public, 60),
	)

	_, err := env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)

	testutil.RequireBalance(t, env.store, a.Public, 40)
	testutil.RequireBalance(t, env.store, b.Public, 0)
	testutil.RequireBalance(t, env.store, c.Public, 60)
}

func TestExecute_AllOrNothing(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	first := testutil.NewKeypair(t)
	second := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, first.Public, 0)
	testutil.CreateAccount(t, env.store, second.Public, 0)

	txn := newSignedTransaction(
		t,
		source,
		nil,
		transfer.NewTransferInstruction(source.Public, first.Public, 50),
		transfer.NewTransferInstruction(source.Public, second.Public, 100),
	)

	_, err := env.executor.Execute(env.ctx, txn)
	instructionErr := requireInstructionError(t, err, 1, ledger.InstructionErrorInsufficientFunds)
	assert.True(t, errors.Is(instructionErr, transfer.ErrInsufficientFunds))

	testutil.RequireBalance(t, env.store, source.Public, 100)
	testutil.RequireBalance(t, env.store, first.Public, 0)
	testutil.RequireBalance(t, env.store, second.Public, 0)
}

func TestExecute_TransferErrorKeys(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 10)
	testutil.CreateAccount(t, env.store, destination.Public, ^uint64(0)-5)

	for _, tc := range []struct {
		name        string
		instruction ledger.Instruction
		expected    ledger.InstructionErrorKey
	}{
		{
			name:        "insufficient funds",
			instruction: transfer.NewTransferInstruction(source.Public, destination.Public, 11),
			expected:    ledger.InstructionErrorInsufficientFunds,
		},
		{
			name:        "overflow",
			instruction: transfer.NewTransferInstruction(source.Public, destination.Public, 6),
			expected:    ledger.InstructionErrorArithmeticOverflow,
		},
		{
			name:        "invalid data",
			instruction: ledger.NewInstruction(transfer.ProgramKey, []byte{1, 2, 3}, ledger.NewAccountMeta(source.Public, true), ledger.NewAccountMeta(destination.Public, false)),
			expected:    ledger.InstructionErrorInvalidInstructionData,
		},
		{
			name:        "readonly destination",
			instruction: ledger.NewInstruction(transfer.ProgramKey, transfer.EncodeAmount(1), ledger.NewAccountMeta(source.Public, true), ledger.NewReadonlyAccountMeta(destination.Public, false)),
			expected:    ledger.InstructionErrorAccountNotWritable,
		},
		{
			name:        "missing account",
			instruction: ledger.NewInstruction(transfer.ProgramKey, transfer.EncodeAmount(1), ledger.NewAccountMeta(source.Public, true)),
			expected:    ledger.InstructionErrorMissingAccount,
		},
		{
			name:        "same account",
			instruction: transfer.NewTransferInstruction(source.Public, source.Public, 1),
			expected:    ledger.InstructionErrorInvalidAccountPair,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			txn := newSignedTransaction(t, source, nil, tc.instruction)

			_, err := env.executor.Execute(env.ctx, txn)
			requireInstructionError(t, err, 0, tc.expected)

			testutil.RequireBalance(t, env.store, source.Public, 10)
			testutil.RequireBalance(t, env.store, destination.Public, ^uint64(0)-5)
		})
	}
}

func TestExecute_MissingSignature(t *testing.T) {
	env := setup(t)

	payer := testutil.NewKeypair(t)
	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, payer.Public, 0)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	// The source is a signer slot, but only the payer signs
	txn := newSignedTransaction(t, payer, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 100))

	_, err := env.executor.Execute(env.ctx, txn)
	requireTransactionError(t, err, ledger.TransactionErrorSignatureFailure)
	assert.True(t, errors.Is(err, ledger.ErrInvalidSignature))

	testutil.RequireBalance(t, env.store, source.Public, 100)
	testutil.RequireBalance(t, env.store, destination.Public, 0)
}

func TestExecute_TamperedTransaction(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 1))
	txn.Message.Instructions[0].Data = transfer.EncodeAmount(100)

	_, err := env.executor.Execute(env.ctx, txn)
	requireTransactionError(t, err, ledger.TransactionErrorSignatureFailure)

	testutil.RequireBalance(t, env.store, source.Public, 100)
}

func TestExecute_DisabledSignatureVerification(t *testing.T) {
	env := setup(t, func(o *testOverrides) {
		o.disableSignatureVerification = true
	})

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := ledger.NewTransaction(source.Public, transfer.NewTransferInstruction(source.Public, destination.Public, 25))

	_, err := env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)

	testutil.RequireBalance(t, env.store, source.Public, 75)
	testutil.RequireBalance(t, env.store, destination.Public, 25)
}

func TestExecute_Replay(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 10))

	_, err := env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)

	_, err = env.executor.Execute(env.ctx, txn)
	requireTransactionError(t, err, ledger.TransactionErrorAlreadyProcessed)

	testutil.RequireBalance(t, env.store, source.Public, 90)
	testutil.RequireBalance(t, env.store, destination.Public, 10)
}

func TestExecute_ReplayWithUndersizedCache(t *testing.T) {
	for _, size := range []uint64{0, 1} {
		env := setup(t, func(overrides *testOverrides) {
			overrides.processedSignatureCacheSize = size
		})

		source := testutil.NewKeypair(t)
		destination := testutil.NewKeypair(t)
		testutil.CreateAccount(t, env.store, source.Public, 100)
		testutil.CreateAccount(t, env.store, destination.Public, 0)

		txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 10))

		_, err := env.executor.Execute(env.ctx, txn)
		require.NoError(t, err)

		// Unrelated transactions must not evict the reservation
		for i := 0; i < 5; i++ {
			other := newSignedTransaction(t, destination, nil, transfer.NewTransferInstruction(destination.Public, source.Public, 0))
			_, err = env.executor.Execute(env.ctx, other)
			require.NoError(t, err)
		}

		_, err = env.executor.Execute(env.ctx, txn)
		requireTransactionError(t, err, ledger.TransactionErrorAlreadyProcessed)

		testutil.RequireBalance(t, env.store, source.Public, 90)
		testutil.RequireBalance(t, env.store, destination.Public, 10)
	}
}

func TestExecute_ConcurrentReplay(t *testing.T) {
	env := setup(t, func(o *testOverrides) {
		o.lockTimeout = 5 * time.Second
	})

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 10))

	var succeeded int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := env.executor.Execute(env.ctx, txn)
			if err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				assert.Equal(t, ledger.TransactionErrorAlreadyProcessed, ErrorKey(err))
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded)
	testutil.RequireBalance(t, env.store, source.Public, 90)
	testutil.RequireBalance(t, env.store, destination.Public, 10)
}

func TestExecute_FailedTransactionCanBeResubmitted(t *testing.T) {
	env := setup(t)

	funder := testutil.NewKeypair(t)
	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, funder.Public, 100)
	testutil.CreateAccount(t, env.store, source.Public, 0)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 50))

	_, err := env.executor.Execute(env.ctx, txn)
	requireInstructionError(t, err, 0, ledger.InstructionErrorInsufficientFunds)

	funding := newSignedTransaction(t, funder, nil, transfer.NewTransferInstruction(funder.Public, source.Public, 50))
	_, err = env.executor.Execute(env.ctx, funding)
	require.NoError(t, err)

	_, err = env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)

	testutil.RequireBalance(t, env.store, funder.Public, 50)
	testutil.RequireBalance(t, env.store, source.Public, 0)
	testutil.RequireBalance(t, env.store, destination.Public, 50)
}

func TestExecute_Sanitize(t *testing.T) {
	env := setup(t, func(o *testOverrides) {
		o.maxInstructionsPerTransaction = 2
	})

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	newTxn := func() ledger.Transaction {
		return newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 1))
	}

	for _, tc := range []struct {
		name     string
		tamper   func(txn *ledger.Transaction)
		expected ledger.TransactionErrorKey
	}{
		{
			name: "no signatures",
			tamper: func(txn *ledger.Transaction) {
				txn.Signatures = nil
			},
			expected: ledger.TransactionErrorSanitizeFailure,
		},
		{
			name: "signature count mismatch",
			tamper: func(txn *ledger.Transaction) {
				txn.Signatures = append(txn.Signatures, ledger.Signature{})
			},
			expected: ledger.TransactionErrorSanitizeFailure,
		},
		{
			name: "readonly payer",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Header.NumReadonlySigned = 1
			},
			expected: ledger.TransactionErrorSanitizeFailure,
		},
		{
			name: "too many readonly accounts",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Header.NumReadOnly = byte(len(txn.Message.Accounts))
			},
			expected: ledger.TransactionErrorSanitizeFailure,
		},
		{
			name: "short account key",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Accounts[1] = txn.Message.Accounts[1][:31]
			},
			expected: ledger.TransactionErrorSanitizeFailure,
		},
		{
			name: "duplicate account",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Accounts[1] = txn.Message.Accounts[0]
			},
			expected: ledger.TransactionErrorAccountLoadedTwice,
		},
		{
			name: "account index out of range",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Instructions[0].Accounts[1] = 99
			},
			expected: ledger.TransactionErrorInvalidAccountIndex,
		},
		{
			name: "program index out of range",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Instructions[0].ProgramIndex = 99
			},
			expected: ledger.TransactionErrorInvalidAccountIndex,
		},
		{
			name: "payer as program",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Instructions[0].ProgramIndex = 0
			},
			expected: ledger.TransactionErrorInvalidAccountIndex,
		},
		{
			name: "writable program",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Instructions[0].ProgramIndex = 1
			},
			expected: ledger.TransactionErrorSanitizeFailure,
		},
		{
			name: "too many instructions",
			tamper: func(txn *ledger.Transaction) {
				for i := 0; i < 2; i++ {
					txn.Message.Instructions = append(txn.Message.Instructions, txn.Message.Instructions[0])
				}
			},
			expected: ledger.TransactionErrorTooManyInstructions,
		},
		{
			name: "oversized transaction",
			tamper: func(txn *ledger.Transaction) {
				txn.Message.Instructions[0].Data = make([]byte, ledger.MaxTransactionSize)
			},
			expected: ledger.TransactionErrorSanitizeFailure,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			txn := newTxn()
			tc.tamper(&txn)

			_, err := env.executor.Execute(env.ctx, txn)
			requireTransactionError(t, err, tc.expected)
		})
	}

	testutil.RequireBalance(t, env.store, source.Public, 100)
	testutil.RequireBalance(t, env.store, destination.Public, 0)
}

func TestExecute_SignerOffCurve(t *testing.T) {
	env := setup(t, func(o *testOverrides) {
		o.disableSignatureVerification = true
	})

	// Roughly half of all 32 byte strings do not decode to a curve point
	var offCurve ed25519.PublicKey
	for offCurve == nil {
		candidate := make([]byte, ed25519.PublicKeySize)
		_, err := rand.Read(candidate)
		require.NoError(t, err)
		if !ledger.IsOnCurve(candidate) {
			offCurve = candidate
		}
	}

	destination := testutil.NewKeypair(t)
	txn := ledger.NewTransaction(offCurve, transfer.NewTransferInstruction(offCurve, destination.Public, 1))

	_, err := env.executor.Execute(env.ctx, txn)
	requireTransactionError(t, err, ledger.TransactionErrorSanitizeFailure)
}

func TestExecute_UnknownProgram(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	program := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := newSignedTransaction(
		t,
		source,
		nil,
		ledger.NewInstruction(program.Public, transfer.EncodeAmount(1), ledger.NewAccountMeta(source.Public, true), ledger.NewAccountMeta(destination.Public, false)),
	)

	_, err := env.executor.Execute(env.ctx, txn)
	requireTransactionError(t, err, ledger.TransactionErrorInvalidProgramForExecution)
}

func TestExecute_AccountNotFound(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 1))

	_, err := env.executor.Execute(env.ctx, txn)
	requireTransactionError(t, err, ledger.TransactionErrorAccountNotFound)

	testutil.RequireBalance(t, env.store, source.Public, 100)
}

func TestExecute_BalanceInvariants(t *testing.T) {
	env := setup(t)

	mint := testutil.NewKeypair(t).Public
	env.executor.RegisterProgram(mint, func(accounts []*ledger.AccountInfo, _ []byte) error {
		*accounts[0].Lamports += 1
		return nil
	})

	leak := testutil.NewKeypair(t).Public
	env.executor.RegisterProgram(leak, func(accounts []*ledger.AccountInfo, _ []byte) error {
		*accounts[0].Lamports -= 1
		*accounts[1].Lamports += 1
		return nil
	})

	owner := testutil.NewKeypair(t)
	other := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, owner.Public, 100)
	testutil.CreateAccount(t, env.store, other.Public, 100)

	txn := newSignedTransaction(t, owner, nil, ledger.NewInstruction(mint, nil, ledger.NewAccountMeta(owner.Public, true)))
	_, err := env.executor.Execute(env.ctx, txn)
	requireInstructionError(t, err, 0, ledger.InstructionErrorUnbalancedInstruction)

	txn = newSignedTransaction(
		t,
		owner,
		nil,
		ledger.NewInstruction(leak, nil, ledger.NewAccountMeta(owner.Public, true), ledger.NewReadonlyAccountMeta(other.Public, false)),
	)
	_, err = env.executor.Execute(env.ctx, txn)
	requireInstructionError(t, err, 0, ledger.InstructionErrorReadonlyLamportChange)

	testutil.RequireBalance(t, env.store, owner.Public, 100)
	testutil.RequireBalance(t, env.store, other.Public, 100)
}

func TestExecute_ProgramFailures(t *testing.T) {
	env := setup(t)

	failing := testutil.NewKeypair(t).Public
	env.executor.RegisterProgram(failing, func(accounts []*ledger.AccountInfo, _ []byte) error {
		*accounts[0].Lamports = 0
		return errors.New("unkeyed failure")
	})

	panicking := testutil.NewKeypair(t).Public
	env.executor.RegisterProgram(panicking, func(accounts []*ledger.AccountInfo, _ []byte) error {
		*accounts[0].Lamports = 0
		panic("boom")
	})

	owner := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, owner.Public, 100)

	for _, program := range []ed25519.PublicKey{failing, panicking} {
		txn := newSignedTransaction(t, owner, nil, ledger.NewInstruction(program, nil, ledger.NewAccountMeta(owner.Public, true)))

		_, err := env.executor.Execute(env.ctx, txn)
		requireInstructionError(t, err, 0, ledger.InstructionErrorGenericError)
	}

	testutil.RequireBalance(t, env.store, owner.Public, 100)
}

func TestExecute_RateLimited(t *testing.T) {
	env := setup(t, func(o *testOverrides) {
		o.payerRateLimit = 0.001
		o.payerRateLimitBurst = 1
	})

	payer := testutil.NewKeypair(t)
	other := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, payer.Public, 100)
	testutil.CreateAccount(t, env.store, other.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	_, err := env.executor.Execute(env.ctx, newSignedTransaction(t, payer, nil, transfer.NewTransferInstruction(payer.Public, destination.Public, 1)))
	require.NoError(t, err)

	_, err = env.executor.Execute(env.ctx, newSignedTransaction(t, payer, nil, transfer.NewTransferInstruction(payer.Public, destination.Public, 1)))
	requireTransactionError(t, err, ledger.TransactionErrorRateLimited)

	_, err = env.executor.Execute(env.ctx, newSignedTransaction(t, other, nil, transfer.NewTransferInstruction(other.Public, destination.Public, 1)))
	require.NoError(t, err)

	testutil.RequireBalance(t, env.store, payer.Public, 99)
	testutil.RequireBalance(t, env.store, destination.Public, 2)
}

func TestExecute_AccountInUse(t *testing.T) {
	env := setup(t, func(o *testOverrides) {
		o.lockTimeout = 50 * time.Millisecond
	})

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	unlock, err := env.locker.Lock(env.ctx, []string{destination.Address()}, nil)
	require.NoError(t, err)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 1))

	_, err = env.executor.Execute(env.ctx, txn)
	requireTransactionError(t, err, ledger.TransactionErrorAccountInUse)

	unlock()

	_, err = env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)

	testutil.RequireBalance(t, env.store, source.Public, 99)
	testutil.RequireBalance(t, env.store, destination.Public, 1)
}

func TestExecute_CancelledContext(t *testing.T) {
	env := setup(t)

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	unlock, err := env.locker.Lock(env.ctx, []string{source.Address()}, nil)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(env.ctx)
	cancel()

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 1))

	_, err = env.executor.Execute(ctx, txn)
	require.Error(t, err)
	assert.Equal(t, ledger.TransactionErrorInternal, ErrorKey(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

type conflictingStore struct {
	account.Store

	conflicts int32
	saves     int32
}

func (s *conflictingStore) Save(ctx context.Context, records ...*account.Record) error {
	if atomic.AddInt32(&s.saves, 1) <= atomic.LoadInt32(&s.conflicts) {
		return account.ErrStaleVersion
	}
	return s.Store.Save(ctx, records...)
}

func TestExecute_CommitRetries(t *testing.T) {
	store := &conflictingStore{Store: account_memory_client.New()}
	env := setupWithStore(t, store, func(o *testOverrides) {
		o.commitRetryLimit = 3
	})

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	atomic.StoreInt32(&store.saves, 0)
	atomic.StoreInt32(&store.conflicts, 2)

	_, err := env.executor.Execute(env.ctx, newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 10)))
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&store.saves))

	testutil.RequireBalance(t, env.store, source.Public, 90)
	testutil.RequireBalance(t, env.store, destination.Public, 10)

	atomic.StoreInt32(&store.saves, 0)
	atomic.StoreInt32(&store.conflicts, 100)

	_, err = env.executor.Execute(env.ctx, newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 10)))
	requireTransactionError(t, err, ledger.TransactionErrorWriteConflict)
	assert.True(t, errors.Is(err, account.ErrStaleVersion))
	assert.EqualValues(t, 3, atomic.LoadInt32(&store.saves))

	testutil.RequireBalance(t, env.store, source.Public, 90)
	testutil.RequireBalance(t, env.store, destination.Public, 10)
}

type failingStore struct {
	account.Store
}

func (s *failingStore) GetMany(_ context.Context, _ ...string) ([]*account.Record, error) {
	return nil, errors.New("database unavailable")
}

func TestExecute_StoreFailure(t *testing.T) {
	env := setupWithStore(t, &failingStore{Store: account_memory_client.New()})

	source := testutil.NewKeypair(t)
	destination := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, source.Public, 100)
	testutil.CreateAccount(t, env.store, destination.Public, 0)

	txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 1))

	_, err := env.executor.Execute(env.ctx, txn)
	require.Error(t, err)
	assert.Equal(t, ledger.TransactionErrorInternal, ErrorKey(err))

	// The signature reservation is released on failure
	_, err = env.executor.Execute(env.ctx, txn)
	assert.Equal(t, ledger.TransactionErrorInternal, ErrorKey(err))
}

func TestExecute_ConcurrentTransfersConserveBalance(t *testing.T) {
	env := setup(t, func(o *testOverrides) {
		o.lockTimeout = 10 * time.Second
	})

	const (
		numAccounts  = 4
		numTransfers = 64
		initial      = 1_000
	)

	keypairs := make([]testutil.Keypair, numAccounts)
	for i := range keypairs {
		keypairs[i] = testutil.NewKeypair(t)
		testutil.CreateAccount(t, env.store, keypairs[i].Public, initial)
	}

	var wg sync.WaitGroup
	for i := 0; i < numTransfers; i++ {
		source := keypairs[i%numAccounts]
		destination := keypairs[(i+1)%numAccounts]
		txn := newSignedTransaction(t, source, nil, transfer.NewTransferInstruction(source.Public, destination.Public, 3))

		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := env.executor.Execute(env.ctx, txn)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every account sends and receives the same number of transfers
	for _, keypair := range keypairs {
		testutil.RequireBalance(t, env.store, keypair.Public, initial)
	}
}

func TestInstructionError_Key(t *testing.T) {
	err := &InstructionError{Index: 2, Err: errors.Wrap(transfer.ErrMissingRequiredSignature, "wrapped")}
	assert.Equal(t, ledger.InstructionErrorMissingRequiredSignature, err.Key())
	assert.Contains(t, err.Error(), "instruction 2")

	err = &InstructionError{Index: 0, Err: errors.New("plain")}
	assert.Equal(t, ledger.InstructionErrorGenericError, err.Key())
}

func TestErrorKey(t *testing.T) {
	assert.Equal(t, ledger.TransactionErrorInternal, ErrorKey(errors.New("unknown")))
	assert.Equal(t, ledger.TransactionErrorAccountInUse, ErrorKey(errors.Wrap(newTransactionError(ledger.TransactionErrorAccountInUse, nil), "wrapped")))
	assert.Equal(t, ledger.TransactionErrorInstructionError, ErrorKey(&InstructionError{Err: transfer.ErrInsufficientFunds}))
}

func TestRegisterProgram_Replaces(t *testing.T) {
	env := setup(t)

	owner := testutil.NewKeypair(t)
	testutil.CreateAccount(t, env.store, owner.Public, 1)

	program := testutil.NewKeypair(t).Public
	env.executor.RegisterProgram(program, func(_ []*ledger.AccountInfo, _ []byte) error {
		return errors.New("first")
	})
	env.executor.RegisterProgram(program, func(_ []*ledger.AccountInfo, _ []byte) error {
		return nil
	})

	txn := newSignedTransaction(t, owner, nil, ledger.NewInstruction(program, nil, ledger.NewAccountMeta(owner.Public, true)))
	receipt, err := env.executor.Execute(env.ctx, txn)
	require.NoError(t, err)
	require.Len(t, receipt.Accounts, 1)
	assert.Equal(t, base58.Encode(owner.Public), receipt.Accounts[0].PublicKey)
}
