// filename: internal/alerting/channels/retry.go
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// permanent помечает ошибку, после которой повторять отправку бессмысленно
func permanent(err error) error {
	return permanentError{err: err}
}

// retry выполняет send до maxRetries+1 раз с паузой delay; отмена ctx прерывает ожидание
func retry(ctx context.Context, maxRetries int, delay time.Duration, send func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("send aborted: %w", ctx.Err())
			}
		}
		lastErr = send(attempt)
		if lastErr == nil {
			return nil
		}
		var p permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries+1, lastErr)
}
