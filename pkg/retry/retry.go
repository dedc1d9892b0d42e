package retry

// Action is a function to be performed in a retriable manner.
type Action func() error

// Retry executes the provided action, potentially multiple times based off of
// the provided strategies. Retry will block until the action is successful, or
// one of the provided strategies indicate no further retries should be performed.
//
// The strategies are executed in the provided order, so any strategies that
// induce delays should be specified last.
func Retry(action Action, strategies ...Strategy) (uint, error) {
	for attempts := uint(1); ; attempts++ {
		err := action()
		if err == nil {
			return attempts, nil
		}

		if !shouldRetry(strategies, attempts, err) {
			return attempts, err
		}
	}
}

func shouldRetry(strategies []Strategy, attempts uint, err error) bool {
	for _, s := range strategies {
		if !s(attempts, err) {
			return false
		}
	}
	return true
}
