package worker

import (
	"context"

	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
)

// Listener provides hooks into the worker's lifecycle for logging, metrics, etc.
// Job is nil for errors raised before a message decodes.
type Listener struct {
	OnStart         func(ctx context.Context)
	OnExit          func(ctx context.Context)
	OnMessageStart  func(ctx context.Context, job *queue.Job)
	OnMessageFinish func(ctx context.Context, job *queue.Job, err error)
	OnError         func(ctx context.Context, job *queue.Job, err error)
}
