package txn

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"relengine/internal/engineerr"
	"relengine/internal/logging"
)

// RetryOnConflict runs fn up to attempts times, backing off exponentially
// between tries, for as long as it fails with a SerializationConflictError.
// Any other error is returned at once. fn must run a whole transaction so a
// retry starts from a clean session.
func RetryOnConflict(ctx context.Context, attempts uint, fn func(ctx context.Context) error) error {
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second

	logger := logging.FromContext(ctx)
	try := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		try++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !engineerr.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Warn("serialization conflict, retrying",
			slog.Int("attempt", try),
			slog.String("error", err.Error()),
		)
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
	)
	return err
}
