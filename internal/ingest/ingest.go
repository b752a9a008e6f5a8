// Package ingest contains the producer transports that feed items into the
// pipeline.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"newsguard/internal/model"
	"newsguard/internal/pipeline"
)

// retryBackoff bounds the wait between retryable submissions.
var (
	retryBackoffMin = 500 * time.Millisecond
	retryBackoffMax = 30 * time.Second
)

// Send blocks until the item is queued or ctx is done. A full channel holds
// the transport back instead of dropping the item.
func Send(ctx context.Context, out chan<- model.Item, it model.Item) bool {
	select {
	case out <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// Submit hands the item to the pipeline and keeps retrying while the
// failure is retryable. It returns false only when ctx ends first; other
// errors are logged and the item is considered handled.
func Submit(ctx context.Context, sink Submitter, it model.Item, logger *slog.Logger) bool {
	wait := retryBackoffMin
	for {
		_, err := sink.Ingest(ctx, it)
		if err == nil {
			return true
		}
		if !errors.Is(err, pipeline.ErrRetryable) {
			if logger != nil {
				logger.Warn("item rejected", "source_id", it.SourceID, "title", it.Title, "err", err)
			}
			return true
		}
		if logger != nil {
			logger.Warn("ingest retry", "source_id", it.SourceID, "backoff", wait.String(), "err", err)
		}
		if !BackoffSleep(ctx, wait) {
			return false
		}
		wait *= 2
		if wait > retryBackoffMax {
			wait = retryBackoffMax
		}
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
