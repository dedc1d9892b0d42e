package runtime

import (
	"time"

	"github.com/code-payments/code-transfer/pkg/config"
	"github.com/code-payments/code-transfer/pkg/config/env"
	"github.com/code-payments/code-transfer/pkg/config/memory"
	"github.com/code-payments/code-transfer/pkg/config/wrapper"
)

const (
	envConfigPrefix = "RUNTIME_SERVICE_"

	MaxInstructionsPerTransactionConfigEnvName = envConfigPrefix + "MAX_INSTRUCTIONS_PER_TRANSACTION"
	defaultMaxInstructionsPerTransaction       = 8

	DisableSignatureVerificationConfigEnvName = envConfigPrefix + "DISABLE_SIGNATURE_VERIFICATION"
	defaultDisableSignatureVerification       = false

	CommitRetryLimitConfigEnvName = envConfigPrefix + "COMMIT_RETRY_LIMIT"
	defaultCommitRetryLimit       = 5

	LockTimeoutConfigEnvName = envConfigPrefix + "LOCK_TIMEOUT"
	defaultLockTimeout       = 5 * time.Second

	// Transactions per second, per fee payer. Zero disables rate limiting.
	PayerRateLimitConfigEnvName = envConfigPrefix + "PAYER_RATE_LIMIT"
	defaultPayerRateLimit       = 0

	PayerRateLimitBurstConfigEnvName = envConfigPrefix + "PAYER_RATE_LIMIT_BURST"
	defaultPayerRateLimitBurst       = 5

	ProcessedSignatureCacheSizeConfigEnvName = envConfigPrefix + "PROCESSED_SIGNATURE_CACHE_SIZE"
	defaultProcessedSignatureCacheSize       = 100_000
	minProcessedSignatureCacheSize           = 1_000
)

type conf struct {
	maxInstructionsPerTransaction config.Uint64
	disableSignatureVerification  config.Bool
	commitRetryLimit              config.Uint64
	lockTimeout                   config.Duration

	// Read once when the executor is created
	payerRateLimit              config.Float64
	payerRateLimitBurst         config.Uint64
	processedSignatureCacheSize config.Uint64
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			maxInstructionsPerTransaction: env.NewUint64Config(MaxInstructionsPerTransactionConfigEnvName, defaultMaxInstructionsPerTransaction),
			disableSignatureVerification:  env.NewBoolConfig(DisableSignatureVerificationConfigEnvName, defaultDisableSignatureVerification),
			commitRetryLimit:              env.NewUint64Config(CommitRetryLimitConfigEnvName, defaultCommitRetryLimit),
			lockTimeout:                   env.NewDurationConfig(LockTimeoutConfigEnvName, defaultLockTimeout),
			payerRateLimit:                env.NewFloat64Config(PayerRateLimitConfigEnvName, defaultPayerRateLimit),
			payerRateLimitBurst:           env.NewUint64Config(PayerRateLimitBurstConfigEnvName, defaultPayerRateLimitBurst),
			processedSignatureCacheSize:   env.NewUint64Config(ProcessedSignatureCacheSizeConfigEnvName, defaultProcessedSignatureCacheSize),
		}
	}
}

type testOverrides struct {
	maxInstructionsPerTransaction uint64
	disableSignatureVerification  bool
	commitRetryLimit              uint64
	lockTimeout                   time.Duration
	payerRateLimit                float64
	payerRateLimitBurst           uint64
	processedSignatureCacheSize   uint64
}

func newTestOverrides() *testOverrides {
	return &testOverrides{
		maxInstructionsPerTransaction: defaultMaxInstructionsPerTransaction,
		commitRetryLimit:              defaultCommitRetryLimit,
		lockTimeout:                   250 * time.Millisecond,
		payerRateLimitBurst:           defaultPayerRateLimitBurst,
		processedSignatureCacheSize:   1_000,
	}
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	return func() *conf {
		return &conf{
			maxInstructionsPerTransaction: wrapper.NewUint64Config(memory.NewConfig(overrides.maxInstructionsPerTransaction), defaultMaxInstructionsPerTransaction),
			disableSignatureVerification:  wrapper.NewBoolConfig(memory.NewConfig(overrides.disableSignatureVerification), defaultDisableSignatureVerification),
			commitRetryLimit:              wrapper.NewUint64Config(memory.NewConfig(overrides.commitRetryLimit), defaultCommitRetryLimit),
			lockTimeout:                   wrapper.NewDurationConfig(memory.NewConfig(overrides.lockTimeout), defaultLockTimeout),
			payerRateLimit:                wrapper.NewFloat64Config(memory.NewConfig(overrides.payerRateLimit), defaultPayerRateLimit),
			payerRateLimitBurst:           wrapper.NewUint64Config(memory.NewConfig(overrides.payerRateLimitBurst), defaultPayerRateLimitBurst),
			processedSignatureCacheSize:   wrapper.NewUint64Config(memory.NewConfig(overrides.processedSignatureCacheSize), defaultProcessedSignatureCacheSize),
		}
	}
}
