package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

const (
	defaultBatchTimeout    = 6 * time.Hour
	defaultAnalysisTimeout = 30 * time.Minute
)

// Enqueuer is the subset of *asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

var _ Enqueuer = (*asynq.Client)(nil)

type DispatcherParams struct {
	Client          Enqueuer
	Queue           string
	BatchTimeout    time.Duration
	AnalysisTimeout time.Duration
	Logger          *logger.Logger
}

// Dispatcher hands batches and single analyses to the worker pool. Tasks are
// never retried by the queue; resumption comes from redelivering the batch.
type Dispatcher struct {
	client          Enqueuer
	queue           string
	batchTimeout    time.Duration
	analysisTimeout time.Duration
	logg            *logger.Logger
}

func NewDispatcher(p DispatcherParams) (*Dispatcher, error) {
	if p.Client == nil {
		return nil, errors.New("asynq client required")
	}
	queue := p.Queue
	if queue == "" {
		queue = "batches"
	}
	batchTimeout := p.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	analysisTimeout := p.AnalysisTimeout
	if analysisTimeout <= 0 {
		analysisTimeout = defaultAnalysisTimeout
	}
	return &Dispatcher{
		client:          p.Client,
		queue:           queue,
		batchTimeout:    batchTimeout,
		analysisTimeout: analysisTimeout,
		logg:            p.Logger,
	}, nil
}

func (d *Dispatcher) EnqueueBatch(ctx context.Context, batchID uuid.UUID) error {
	task, err := newBatchTask(batchID)
	if err != nil {
		return err
	}
	return d.enqueue(d.logg.WithBatchID(ctx, batchID.String()), task, batchTaskID(batchID), d.batchTimeout)
}

func (d *Dispatcher) EnqueueAnalysis(ctx context.Context, uploadID uuid.UUID) error {
	task, err := newAnalyzeTask(uploadID)
	if err != nil {
		return err
	}
	return d.enqueue(d.logg.WithUploadID(ctx, uploadID.String()), task, analyzeTaskID(uploadID), d.analysisTimeout)
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task, taskID string, timeout time.Duration) error {
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		d.logg.Info(d.logg.WithField(ctx, "task_id", taskID), "jobs.enqueue.already_queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	d.logg.Info(d.logg.WithFields(ctx, map[string]any{
		"task_type": task.Type(),
		"task_id":   info.ID,
		"queue":     info.Queue,
	}), "jobs.enqueued")
	return nil
}

// Close releases the underlying client.
func (d *Dispatcher) Close() error {
	return d.client.Close()
}
