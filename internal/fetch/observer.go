package fetch

import (
	"context"

	"github.com/ferro-labs/matchday/internal/calllog"
	"github.com/ferro-labs/matchday/internal/logging"
	"github.com/ferro-labs/matchday/internal/ratelimit"
	"github.com/ferro-labs/matchday/internal/upstream"
)

// RecordAttempts returns an upstream.Observer that persists every attempt
// to the call log and charges retries against the call window. The first
// attempt of a load is already charged by Reserve.
func RecordAttempts(limiter *ratelimit.Window, store calllog.Writer) upstream.Observer {
	if store == nil {
		store = calllog.NoopStore{}
	}
	return func(ctx context.Context, a upstream.Attempt) {
		if a.Number > 1 && limiter != nil {
			limiter.LogCall()
		}
		entry := calllog.Entry{
			TraceID:    logging.TraceIDFromContext(ctx),
			Endpoint:   a.Endpoint,
			Query:      a.Query,
			Attempt:    a.Number,
			StatusCode: a.StatusCode,
			DurationMs: a.Duration.Milliseconds(),
			CreatedAt:  a.At.UTC(),
		}
		if a.Err != nil {
			entry.ErrorMessage = a.Err.Error()
		}
		if err := store.Write(ctx, entry); err != nil {
			logging.FromContext(ctx).Warn("failed to record upstream call", "endpoint", a.Endpoint, "error", err)
		}
	}
}
