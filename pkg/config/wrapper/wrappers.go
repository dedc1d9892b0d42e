package wrapper

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/code-payments/code-transfer/pkg/config"
)

// ErrUnsuportedConversion indicates the wrapper does not implement conversion from the source type
var ErrUnsuportedConversion = errors.New("config: wrapper conversion from source type not implemented")

// converter turns a raw config value into T. Byte slices come from string
// based sources such as the environment.
type converter[T any] func(raw interface{}) (T, error)

// typedConfig is a utility wrapper that exposes a config.Config as T, falling
// back to a default value when no override is set.
type typedConfig[T any] struct {
	override     config.Config
	defaultValue T
	convert      converter[T]

	stateMu   sync.RWMutex
	lastValue T
}

func newTypedConfig[T any](override config.Config, defaultValue T, convert converter[T]) *typedConfig[T] {
	return &typedConfig[T]{
		override:     override,
		defaultValue: defaultValue,
		convert:      convert,
		lastValue:    defaultValue,
	}
}

// GetSafe gets a config value and propagates any errors that arise. A best-effort
// attempt is made to return the last known value
func (c *typedConfig[T]) GetSafe(ctx context.Context) (T, error) {
	c.stateMu.RLock()
	lastValue := c.lastValue
	c.stateMu.RUnlock()

	raw, err := c.override.Get(ctx)
	if err == config.ErrNoValue {
		c.setLastValue(c.defaultValue)
		return c.defaultValue, nil
	} else if err != nil {
		return lastValue, err
	}

	newValue, err := c.convert(raw)
	if err != nil {
		return lastValue, err
	}

	c.setLastValue(newValue)
	return newValue, nil
}

// Get is a wrapper for GetSafe that ignores the returned error
func (c *typedConfig[T]) Get(ctx context.Context) T {
	val, _ := c.GetSafe(ctx)
	return val
}

// Shutdown signals the config to stop all underlying resources
func (c *typedConfig[T]) Shutdown() {
	c.override.Shutdown()
}

func (c *typedConfig[T]) setLastValue(val T) {
	c.stateMu.Lock()
	c.lastValue = val
	c.stateMu.Unlock()
}

// NewBoolConfig returns a new bool config utility wrapper
func NewBoolConfig(override config.Config, defaultValue bool) config.Bool {
	return newTypedConfig(override, defaultValue, func(raw interface{}) (bool, error) {
		switch typed := raw.(type) {
		case []byte:
			return strconv.ParseBool(string(typed))
		case bool:
			return typed, nil
		}
		return false, ErrUnsuportedConversion
	})
}

// NewUint64Config returns a new uint64 config utility wrapper
func NewUint64Config(override config.Config, defaultValue uint64) config.Uint64 {
	return newTypedConfig(override, defaultValue, func(raw interface{}) (uint64, error) {
		switch typed := raw.(type) {
		case []byte:
			return strconv.ParseUint(string(typed), 10, 64)
		case uint64:
			return typed, nil
		case uint:
			return uint64(typed), nil
		case int:
			if typed < 0 {
				return 0, errors.Errorf("config: negative value %d for uint64", typed)
			}
			return uint64(typed), nil
		}
		return 0, ErrUnsuportedConversion
	})
}

// NewFloat64Config returns a new float64 config utility wrapper
func NewFloat64Config(override config.Config, defaultValue float64) config.Float64 {
	return newTypedConfig(override, defaultValue, func(raw interface{}) (float64, error) {
		switch typed := raw.(type) {
		case []byte:
			return strconv.ParseFloat(string(typed), 64)
		case float64:
			return typed, nil
		case int:
			return float64(typed), nil
		}
		return 0, ErrUnsuportedConversion
	})
}

// NewDurationConfig returns a new time.Duration config utility wrapper
func NewDurationConfig(override config.Config, defaultValue time.Duration) config.Duration {
	return newTypedConfig(override, defaultValue, func(raw interface{}) (time.Duration, error) {
		switch typed := raw.(type) {
		case []byte:
			return time.ParseDuration(string(typed))
		case time.Duration:
			return typed, nil
		}
		return 0, ErrUnsuportedConversion
	})
}
