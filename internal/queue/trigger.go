// Package queue wires the periodic invocation of the pipeline: an asynq
// server consumes poll/reconcile trigger tasks, and an asynq scheduler emits
// them on a fixed cadence. The durable work itself lives in the PostgreSQL
// task store; Redis only carries the "run a pass now" signal.
package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

// Trigger task types.
const (
	TypePoll      = "pipeline:poll"
	TypeReconcile = "pipeline:reconcile"
)

const triggerQueue = "pipeline"

// Runner is the pipeline surface the trigger invokes.
type Runner interface {
	RunPendingTasks(ctx context.Context) error
	ReconcileRemote(ctx context.Context, dryRun bool) ([]string, error)
}

// TriggerConfig holds trigger configuration.
type TriggerConfig struct {
	RedisURL          string
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	Runner            Runner
}

// Trigger runs the periodic poll/reconcile cadence and accepts on-demand
// kicks from the API layer.
type Trigger struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	client    *asynq.Client
	runner    Runner
}

// NewTrigger creates the trigger from its Redis connection.
func NewTrigger(config *TriggerConfig) (*Trigger, error) {
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			// One pass at a time; concurrency lives inside the pipeline's
			// own worker pool.
			Concurrency: 1,
			Queues: map[string]int{
				triggerQueue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("trigger: task %s failed: %v", task.Type(), err)
			}),
		},
	)

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", config.PollInterval),
		asynq.NewTask(TypePoll, nil),
		asynq.Queue(triggerQueue),
	); err != nil {
		return nil, fmt.Errorf("failed to register poll cadence: %w", err)
	}
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", config.ReconcileInterval),
		asynq.NewTask(TypeReconcile, nil),
		asynq.Queue(triggerQueue),
	); err != nil {
		return nil, fmt.Errorf("failed to register reconcile cadence: %w", err)
	}

	return &Trigger{
		server:    server,
		scheduler: scheduler,
		client:    asynq.NewClient(redisOpt),
		runner:    config.Runner,
	}, nil
}

// Start begins consuming trigger tasks and emitting the cadence.
func (t *Trigger) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePoll, t.handlePoll)
	mux.HandleFunc(TypeReconcile, t.handleReconcile)

	if err := t.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start trigger server: %w", err)
	}
	if err := t.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start trigger scheduler: %w", err)
	}
	return nil
}

// Stop shuts the trigger down gracefully.
func (t *Trigger) Stop() {
	t.scheduler.Shutdown()
	t.server.Shutdown()
	t.client.Close()
}

// KickPoll requests an immediate poll pass, e.g. right after a submission,
// so a fresh upload doesn't wait out the cadence.
func (t *Trigger) KickPoll(ctx context.Context) error {
	if _, err := t.client.EnqueueContext(ctx, asynq.NewTask(TypePoll, nil), asynq.Queue(triggerQueue)); err != nil {
		return fmt.Errorf("failed to enqueue poll trigger: %w", err)
	}
	return nil
}

func (t *Trigger) handlePoll(ctx context.Context, task *asynq.Task) error {
	return t.runner.RunPendingTasks(ctx)
}

// handleReconcile runs the scheduled sweep in dry-run mode: it reports
// orphans, deletion stays an explicit operator action through the API.
func (t *Trigger) handleReconcile(ctx context.Context, task *asynq.Task) error {
	orphans, err := t.runner.ReconcileRemote(ctx, true)
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		log.Printf("trigger: reconcile found %d orphaned remote video(s): %v", len(orphans), orphans)
	}
	return nil
}
