package settlement

import (
	"errors"

	"go.uber.org/zap"

	"ticketing/internal/logger"
)

type Func[T any] func() (T, error)

// boundedRetry calls fn until it returns something other than retriable,
// at most attempts times. The last retriable error is returned when the
// attempts run out.
func boundedRetry[T any](attempts int, retriable error, fn Func[T]) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = fn()
		if !errors.Is(err, retriable) {
			return result, err
		}
		logger.Debug("retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return result, err
}
