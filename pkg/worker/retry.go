package worker

import (
	"context"

	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
)

// RetryDecision defines whether a message should be retried or Nacked.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy decides what happens to a job whose handler failed.
type RetryPolicy interface {
	OnError(ctx context.Context, job *queue.Job, err error) RetryDecision
}

// NoRetry Nacks every failure and leaves redelivery to the broker.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, job *queue.Job, err error) RetryDecision {
	return RetryDecision{Nack: true}
}

// DropOnError acknowledges failed jobs so they are not redelivered.
type DropOnError struct{}

func (DropOnError) OnError(ctx context.Context, job *queue.Job, err error) RetryDecision {
	return RetryDecision{}
}
