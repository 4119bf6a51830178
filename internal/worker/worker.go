package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/echoes-app/echoes/internal/cloud"
	"github.com/echoes-app/echoes/pkg/queue"
)

// Repairer settles stuck remote records. *cloud.Manager satisfies it.
type Repairer interface {
	Repair(ctx context.Context, uid string, grace time.Duration) (cloud.RepairResult, error)
}

// JobSource is the job queue. *queue.Queue satisfies it.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// RepairProcessor processes recording repair jobs.
type RepairProcessor struct {
	repairer Repairer
	jobs     JobSource
	grace    time.Duration
	backoff  time.Duration
	logger   *zap.Logger
}

// NewRepairProcessor creates a repair processor. Records younger than grace
// whose object is missing are left for a later run.
func NewRepairProcessor(repairer Repairer, jobs JobSource, grace time.Duration, logger *zap.Logger) *RepairProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RepairProcessor{
		repairer: repairer,
		jobs:     jobs,
		grace:    grace,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
}

// Process executes one repair job.
func (p *RepairProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRecordingRepair {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.RecordingRepairPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.UserID == "" {
		return fmt.Errorf("repair job %s: missing user id", job.ID)
	}

	res, err := p.repairer.Repair(ctx, payload.UserID, p.grace)
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	p.logger.Info("recording repair completed",
		zap.String("job_id", job.ID),
		zap.String("user_id", payload.UserID),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *RepairProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("repair worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *RepairProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
