package runtime

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	xrate "golang.org/x/time/rate"

	"github.com/code-payments/code-transfer/pkg/cache"
	"github.com/code-payments/code-transfer/pkg/data/account"
	"github.com/code-payments/code-transfer/pkg/ledger"
	"github.com/code-payments/code-transfer/pkg/lock"
	"github.com/code-payments/code-transfer/pkg/metrics"
	"github.com/code-payments/code-transfer/pkg/rate"
	"github.com/code-payments/code-transfer/pkg/retry"
	"github.com/code-payments/code-transfer/pkg/retry/backoff"
)

const (
	metricsStructName = "runtime.executor"

	executeMetricName            = "Runtime/Execute"
	executeDurationMetricName    = "Runtime/Execute/Duration"
	transactionRejectedEventName = "TransactionRejected"

	commitBackoffBase = 10 * time.Millisecond
	commitBackoffMax  = 250 * time.Millisecond
)

// Processor executes a single instruction against the accounts it references.
//
// The AccountInfo values and their balances are only valid for the duration
// of the call. A returned error fails the whole transaction.
type Processor func(accounts []*ledger.AccountInfo, data []byte) error

// Receipt describes a committed transaction
type Receipt struct {
	Signature ledger.Signature

	// Post-execution state of every non-program account in the transaction,
	// in message order.
	Accounts []*account.Record
}

// Executor runs transactions against an account.Store.
//
// A transaction is applied all or nothing. Writable accounts are locked
// exclusively for the duration of execution, and commits are guarded by the
// store's optimistic versioning.
type Executor struct {
	log  *logrus.Entry
	conf *conf

	store  account.Store
	locker lock.AccountLocker

	processed    cache.Cache
	payerLimiter rate.Limiter

	programsMu sync.RWMutex
	programs   map[string]Processor
}

func NewExecutor(store account.Store, locker lock.AccountLocker, configProvider ConfigProvider) *Executor {
	conf := configProvider()
	ctx := context.Background()

	var payerLimiter rate.Limiter = &rate.NoLimiter{}
	if limit := conf.payerRateLimit.Get(ctx); limit > 0 {
		payerLimiter = rate.NewLocalRateLimiter(xrate.Limit(limit), int(conf.payerRateLimitBurst.Get(ctx)))
	}

	log := logrus.StandardLogger().WithField("type", "runtime/executor")

	// A reservation must outlive the transaction that made it, otherwise a
	// replay can slip in once it is evicted.
	cacheSize := conf.processedSignatureCacheSize.Get(ctx)
	switch {
	case cacheSize == 0:
		log.WithField("size", cacheSize).Warnf("processed signature cache size is unset, using %d", defaultProcessedSignatureCacheSize)
		cacheSize = defaultProcessedSignatureCacheSize
	case cacheSize < minProcessedSignatureCacheSize:
		log.WithField("size", cacheSize).Warnf("processed signature cache size is too small, using %d", minProcessedSignatureCacheSize)
		cacheSize = minProcessedSignatureCacheSize
	}

	return &Executor{
		log:          log,
		conf:         conf,
		store:        store,
		locker:       locker,
		processed:    cache.NewCache(int(cacheSize)),
		payerLimiter: payerLimiter,
		programs:     make(map[string]Processor),
	}
}

// RegisterProgram makes a program invokable by transactions. Registering a
// key twice replaces the previous processor.
func (e *Executor) RegisterProgram(key ed25519.PublicKey, processor Processor) {
	e.programsMu.Lock()
	e.programs[string(key)] = processor
	e.programsMu.Unlock()
}

// Execute validates and applies a transaction.
//
// Rejections are reported as *TransactionError, and program failures as
// *InstructionError. Any other error is an infrastructure failure. In every
// failure case the store is left untouched.
func (e *Executor) Execute(ctx context.Context, txn ledger.Transaction) (receipt *Receipt, err error) {
	ctx, endTxn := metrics.StartTransaction(ctx, "runtime.Execute")
	defer endTxn()

	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Execute")
	defer tracer.End()

	start := time.Now()
	defer func() {
		tracer.OnError(err)
		e.recordOutcome(ctx, start, err)
	}()

	log := e.log.WithField("method", "Execute")

	if err := e.sanitize(ctx, &txn); err != nil {
		log.WithError(err).Debug("transaction failed sanitization")
		return nil, err
	}

	signature := txn.Signatures[0].ToBase58()
	payer := base58.Encode(txn.Message.Accounts[0])

	log = log.WithFields(logrus.Fields{
		"signature": signature,
		"payer":     payer,
	})
	tracer.AddAttribute("signature", signature)

	if !e.conf.disableSignatureVerification.Get(ctx) {
		if err := txn.VerifySignatures(); err != nil {
			log.WithError(err).Debug("signature verification failed")
			return nil, newTransactionError(ledger.TransactionErrorSignatureFailure, err)
		}
	}

	allowed, err := e.payerLimiter.Allow(payer)
	if err != nil {
		log.WithError(err).Warn("failure checking payer rate limit")
		return nil, errors.Wrap(err, "error checking payer rate limit")
	} else if !allowed {
		log.Debug("payer is rate limited")
		return nil, newTransactionErrorf(ledger.TransactionErrorRateLimited, "payer %s exceeded its rate limit", payer)
	}

	processors, isProgram, err := e.resolvePrograms(&txn.Message)
	if err != nil {
		log.WithError(err).Debug("transaction invokes an unknown program")
		return nil, err
	}

	// The signature is reserved for the lifetime of the transaction, so
	// concurrent submissions of the same transaction execute at most once.
	// The reservation is released if the transaction fails.
	if err := e.processed.Insert(signature, struct{}{}, 1); err == cache.ErrKeyExists {
		log.Debug("transaction was already processed")
		return nil, newTransactionErrorf(ledger.TransactionErrorAlreadyProcessed, "transaction %s was already processed", signature)
	} else if err != nil {
		return nil, errors.Wrap(err, "error reserving transaction signature")
	}
	defer func() {
		if err != nil {
			e.processed.Delete(signature)
		}
	}()

	unlock, err := e.lockAccounts(ctx, &txn.Message, isProgram)
	if err != nil {
		if ErrorKey(err) == ledger.TransactionErrorAccountInUse {
			log.WithError(err).Info("accounts are in use")
		} else {
			log.WithError(err).Warn("failure acquiring account locks")
		}
		return nil, err
	}
	defer unlock()

	_, err = retry.Retry(
		func() error {
			var executeErr error
			receipt, executeErr = e.executeLocked(ctx, &txn, processors, isProgram)
			return executeErr
		},
		retry.RetriableErrors(account.ErrStaleVersion),
		retry.Limit(uint(e.conf.commitRetryLimit.Get(ctx))),
		retry.Context(ctx),
		retry.BackoffWithJitter(backoff.BinaryExponential(commitBackoffBase), commitBackoffMax, 0.1),
	)
	switch {
	case err == nil:
		log.Trace("transaction executed")
		return receipt, nil
	case errors.Is(err, account.ErrStaleVersion):
		log.WithError(err).Info("account state kept changing during execution")
		return nil, newTransactionError(ledger.TransactionErrorWriteConflict, err)
	case ErrorKey(err) == ledger.TransactionErrorInternal:
		log.WithError(err).Warn("failure executing transaction")
		return nil, err
	default:
		log.WithError(err).Debug("transaction failed")
		return nil, err
	}
}

// sanitize checks the structure of a transaction without consulting any
// external state.
func (e *Executor) sanitize(ctx context.Context, txn *ledger.Transaction) error {
	m := &txn.Message
	numSignatures := int(m.Header.NumSignatures)

	switch {
	case len(txn.Signatures) == 0:
		return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "transaction has no signatures")
	case len(txn.Signatures) != numSignatures:
		return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "expected %d signatures, got %d", numSignatures, len(txn.Signatures))
	case numSignatures > len(m.Accounts):
		return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "more signatures than accounts")
	case m.Header.NumReadonlySigned >= m.Header.NumSignatures:
		return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "fee payer must be a writable signer")
	case int(m.Header.NumReadOnly) > len(m.Accounts)-numSignatures:
		return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "more readonly accounts than non-signers")
	}

	if size := len(txn.Marshal()); size > ledger.MaxTransactionSize {
		return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "transaction size %d exceeds %d", size, ledger.MaxTransactionSize)
	}

	seen := make(map[string]struct{}, len(m.Accounts))
	for i, pub := range m.Accounts {
		if len(pub) != ed25519.PublicKeySize {
			return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "account %d has an invalid key length", i)
		}

		if _, ok := seen[string(pub)]; ok {
			return newTransactionErrorf(ledger.TransactionErrorAccountLoadedTwice, "account %s is listed more than once", base58.Encode(pub))
		}
		seen[string(pub)] = struct{}{}

		if m.IsSigner(i) && !ledger.IsOnCurve(pub) {
			return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "signer %s is not on the ed25519 curve", base58.Encode(pub))
		}
	}

	maxInstructions := e.conf.maxInstructionsPerTransaction.Get(ctx)
	if uint64(len(m.Instructions)) > maxInstructions {
		return newTransactionErrorf(ledger.TransactionErrorTooManyInstructions, "%d instructions exceeds limit of %d", len(m.Instructions), maxInstructions)
	}

	for i, instruction := range m.Instructions {
		programIndex := int(instruction.ProgramIndex)
		if programIndex == 0 || programIndex >= len(m.Accounts) {
			return newTransactionErrorf(ledger.TransactionErrorInvalidAccountIndex, "instruction %d has invalid program index %d", i, programIndex)
		}
		if m.IsSigner(programIndex) || m.IsWritable(programIndex) {
			return newTransactionErrorf(ledger.TransactionErrorSanitizeFailure, "instruction %d program account must be readonly", i)
		}

		for _, accountIndex := range instruction.Accounts {
			if int(accountIndex) >= len(m.Accounts) {
				return newTransactionErrorf(ledger.TransactionErrorInvalidAccountIndex, "instruction %d has invalid account index %d", i, accountIndex)
			}
		}
	}

	return nil
}

// resolvePrograms returns the processor for each instruction, and marks the
// accounts that are invoked as programs.
func (e *Executor) resolvePrograms(m *ledger.Message) ([]Processor, []bool, error) {
	e.programsMu.RLock()
	defer e.programsMu.RUnlock()

	processors := make([]Processor, len(m.Instructions))
	isProgram := make([]bool, len(m.Accounts))
	for i, instruction := range m.Instructions {
		pub := m.Accounts[instruction.ProgramIndex]

		processor, ok := e.programs[string(pub)]
		if !ok {
			return nil, nil, newTransactionErrorf(ledger.TransactionErrorInvalidProgramForExecution, "program %s is not registered", base58.Encode(pub))
		}

		processors[i] = processor
		isProgram[instruction.ProgramIndex] = true
	}

	return processors, isProgram, nil
}

func (e *Executor) lockAccounts(ctx context.Context, m *ledger.Message, isProgram []bool) (func(), error) {
	var writable, readonly []string
	for i, pub := range m.Accounts {
		if isProgram[i] {
			continue
		}

		if m.IsWritable(i) {
			writable = append(writable, base58.Encode(pub))
		} else {
			readonly = append(readonly, base58.Encode(pub))
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.conf.lockTimeout.Get(ctx))
	defer cancel()

	unlock, err := e.locker.Lock(lockCtx, writable, readonly)
	switch {
	case err == nil:
		return unlock, nil
	case ctx.Err() != nil:
		return nil, errors.Wrap(ctx.Err(), "context done while acquiring account locks")
	case errors.Is(err, context.DeadlineExceeded):
		return nil, newTransactionError(ledger.TransactionErrorAccountInUse, err)
	default:
		return nil, errors.Wrap(err, "error acquiring account locks")
	}
}

// executeLocked loads the accounts, runs every instruction and commits the
// result. It must be called with the transaction's accounts locked.
func (e *Executor) executeLocked(ctx context.Context, txn *ledger.Transaction, processors []Processor, isProgram []bool) (*Receipt, error) {
	m := &txn.Message

	keys := make([]string, 0, len(m.Accounts))
	for i, pub := range m.Accounts {
		if !isProgram[i] {
			keys = append(keys, base58.Encode(pub))
		}
	}

	loaded, err := e.store.GetMany(ctx, keys...)
	if errors.Is(err, account.ErrAccountNotFound) {
		return nil, newTransactionError(ledger.TransactionErrorAccountNotFound, err)
	} else if err != nil {
		return nil, errors.Wrap(err, "error loading accounts")
	}

	records := make([]*account.Record, len(m.Accounts))
	balances := make([]uint64, len(m.Accounts))
	next := 0
	for i := range m.Accounts {
		if isProgram[i] {
			continue
		}

		records[i] = loaded[next]
		balances[i] = loaded[next].Lamports
		next++
	}

	for i := range m.Instructions {
		if err := processInstruction(m, i, processors[i], balances, isProgram); err != nil {
			return nil, err
		}
	}

	var changed []*account.Record
	updated := make([]*account.Record, 0, len(loaded))
	for i, record := range records {
		if record == nil {
			continue
		}

		cloned := record.Clone()
		cloned.Lamports = balances[i]
		if cloned.Lamports != record.Lamports {
			changed = append(changed, &cloned)
		}
		updated = append(updated, &cloned)
	}

	if len(changed) > 0 {
		if err := e.store.Save(ctx, changed...); err != nil {
			return nil, errors.Wrap(err, "error saving accounts")
		}
	}

	return &Receipt{
		Signature: txn.Signatures[0],
		Accounts:  updated,
	}, nil
}

// processInstruction runs an instruction against a working copy of the
// balances, and only applies the result if the program succeeded and the
// balance invariants hold.
func processInstruction(m *ledger.Message, index int, processor Processor, balances []uint64, isProgram []bool) (err error) {
	instruction := m.Instructions[index]

	working := make([]uint64, len(balances))
	copy(working, balances)

	accounts := make([]*ledger.AccountInfo, len(instruction.Accounts))
	for i, accountIndex := range instruction.Accounts {
		idx := int(accountIndex)

		var lamports *uint64
		if !isProgram[idx] {
			lamports = &working[idx]
		}

		accounts[i] = ledger.NewAccountInfo(m.Accounts[idx], m.IsSigner(idx), m.IsWritable(idx), lamports)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &InstructionError{Index: index, Err: errors.Errorf("program panicked: %v", r)}
		}
	}()

	if err := processor(accounts, instruction.Data); err != nil {
		return &InstructionError{Index: index, Err: err}
	}

	beforeHi, beforeLo := sumBalances(balances)
	afterHi, afterLo := sumBalances(working)
	if beforeHi != afterHi || beforeLo != afterLo {
		return &InstructionError{Index: index, Err: errUnbalancedInstruction}
	}

	for i := range working {
		if working[i] != balances[i] && !m.IsWritable(i) {
			return &InstructionError{Index: index, Err: errReadonlyLamportChange}
		}
	}

	copy(balances, working)
	return nil
}

// sumBalances returns the 128 bit sum of the balances
func sumBalances(balances []uint64) (hi, lo uint64) {
	var carry uint64
	for _, balance := range balances {
		lo, carry = bits.Add64(lo, balance, 0)
		hi += carry
	}
	return hi, lo
}

func (e *Executor) recordOutcome(ctx context.Context, start time.Time, err error) {
	outcome := "Success"
	if err != nil {
		outcome = string(ErrorKey(err))
	}

	metrics.RecordCount(ctx, fmt.Sprintf("%s/%s", executeMetricName, outcome), 1)
	metrics.RecordDuration(ctx, executeDurationMetricName, time.Since(start))

	if err == nil {
		return
	}

	kvs := map[string]interface{}{
		"error_key": outcome,
	}

	var instructionErr *InstructionError
	if errors.As(err, &instructionErr) {
		kvs["instruction_index"] = instructionErr.Index
		kvs["instruction_error_key"] = string(instructionErr.Key())
	}

	metrics.RecordEvent(ctx, transactionRejectedEventName, kvs)
}
