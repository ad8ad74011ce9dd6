// Package worker consumes sync jobs published by the watermill queue backend
// and hands each one to the handler registered for its topic.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
)

// JobHandler processes one job. A returned error goes through the retry policy.
type JobHandler func(ctx context.Context, job queue.Job) error

// Worker subscribes to queue topics and dispatches decoded jobs.
type Worker struct {
	subscriber  message.Subscriber
	retry       RetryPolicy
	logger      *log.Logger
	concurrency int
	prefix      string

	handlers  map[string]JobHandler
	listeners []Listener
}

// New creates a worker with the given options.
func New(opts ...Option) *Worker {
	w := &Worker{
		retry:       NoRetry{},
		logger:      log.Default(),
		concurrency: 1,
		handlers:    make(map[string]JobHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers h for the named queue. The topic is the queue name with
// the configured prefix, matching what the publisher writes to.
func (w *Worker) Handle(queueName string, h JobHandler) {
	if h == nil || queueName == "" {
		return
	}
	w.handlers[w.prefix+queueName] = h
}

// Run subscribes to every handled topic and blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.handlers) == 0 {
		return errors.New("at least one handler is required")
	}

	w.notifyStart(ctx)
	defer w.notifyExit(ctx)
	sem := make(chan struct{}, w.concurrency)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for topic, handler := range w.handlers {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.notifyError(ctx, nil, err)
			return err
		}
		wg.Add(1)
		go func(topic string, handler JobHandler, ch <-chan *message.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					sem <- struct{}{}
					wg.Add(1)
					go func(msg *message.Message) {
						defer wg.Done()
						defer func() { <-sem }()
						w.handleMessage(ctx, topic, handler, msg)
					}(msg)
				}
			}
		}(topic, handler, msgs)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Close shuts down the subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, handler JobHandler, msg *message.Message) {
	var job queue.Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.logger.Printf("decode %s message %s failed: %v", topic, msg.UUID, err)
		w.notifyError(ctx, nil, err)
		// A payload that cannot decode never will.
		msg.Ack()
		return
	}

	w.notifyMessageStart(ctx, &job)
	err := handler(ctx, job)
	w.notifyMessageFinish(ctx, &job, err)
	if err == nil {
		msg.Ack()
		return
	}

	w.logger.Printf("%s installation=%d host=%s failed: %v", topic, job.InstallationID, job.JiraHost, err)
	w.notifyError(ctx, &job, err)
	if decision := w.retry.OnError(ctx, &job, err); decision.Retry || decision.Nack {
		msg.Nack()
		return
	}
	msg.Ack()
}

func (w *Worker) notifyStart(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnStart != nil {
			listener.OnStart(ctx)
		}
	}
}

func (w *Worker) notifyExit(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnExit != nil {
			listener.OnExit(ctx)
		}
	}
}

func (w *Worker) notifyMessageStart(ctx context.Context, job *queue.Job) {
	for _, listener := range w.listeners {
		if listener.OnMessageStart != nil {
			listener.OnMessageStart(ctx, job)
		}
	}
}

func (w *Worker) notifyMessageFinish(ctx context.Context, job *queue.Job, err error) {
	for _, listener := range w.listeners {
		if listener.OnMessageFinish != nil {
			listener.OnMessageFinish(ctx, job, err)
		}
	}
}

func (w *Worker) notifyError(ctx context.Context, job *queue.Job, err error) {
	for _, listener := range w.listeners {
		if listener.OnError != nil {
			listener.OnError(ctx, job, err)
		}
	}
}
