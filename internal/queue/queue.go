// Package queue wires the asynq client, worker server and maintenance scheduler.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// deliveryBackoff spaces outbound webhook retries; later retries reuse the last step
var deliveryBackoff = []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute}

// Queue wraps Asynq client and server
type Queue struct {
	Client *asynq.Client
	Server *asynq.ServeMux

	redisOpt asynq.RedisConnOpt
	logger   *zap.Logger
}

// NewQueue creates a new queue client and server
func NewQueue(redisURL string, logger *zap.Logger) (*Queue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := asynq.NewClient(redisOpt)
	serverMux := asynq.NewServeMux()

	logger.Info("Queue client initialized")

	return &Queue{
		Client:   client,
		Server:   serverMux,
		redisOpt: redisOpt,
		logger:   logger,
	}, nil
}

// GetServerConfig returns server configuration for worker
func (q *Queue) GetServerConfig(concurrency int) asynq.Config {
	return asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
			QueueLow:      1,
		},
		RetryDelayFunc: RetryDelay,
		Logger:         q.logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			q.logger.Warn("Task failed",
				zap.String("type", task.Type()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
	}
}

// NewServer creates the worker server
func (q *Queue) NewServer(concurrency int) *asynq.Server {
	return asynq.NewServer(q.redisOpt, q.GetServerConfig(concurrency))
}

// NewScheduler registers the periodic maintenance tasks
func (q *Queue) NewScheduler(sweepInterval, purgeInterval time.Duration) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(q.redisOpt, &asynq.SchedulerOpts{
		Logger:   q.logger.Sugar(),
		Location: time.UTC,
	})

	entries := []struct {
		every time.Duration
		task  *asynq.Task
	}{
		{sweepInterval, asynq.NewTask(TypeSweepEffects, nil)},
		{purgeInterval, asynq.NewTask(TypePurgeEvents, nil)},
	}
	for _, e := range entries {
		cronspec := "@every " + e.every.String()
		// Unique keeps overlapping schedulers from stacking the same run
		if _, err := scheduler.Register(cronspec, e.task, asynq.Queue(QueueLow), asynq.Unique(e.every)); err != nil {
			return nil, fmt.Errorf("register %s: %w", e.task.Type(), err)
		}
	}
	return scheduler, nil
}

// RetryDelay applies the delivery backoff to outbound webhooks and asynq's
// exponential default to everything else.
func RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	if t.Type() == TypeOutboundDeliver {
		if n < len(deliveryBackoff) {
			return deliveryBackoff[n]
		}
		return deliveryBackoff[len(deliveryBackoff)-1]
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

// Close gracefully closes the queue client
func (q *Queue) Close() error {
	if q.Client != nil {
		q.logger.Info("Closing queue client")
		return q.Client.Close()
	}
	return nil
}
