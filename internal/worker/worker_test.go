package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/echoes-app/echoes/internal/cloud"
	"github.com/echoes-app/echoes/pkg/queue"
)

type fakeRepairer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRepairer) Repair(_ context.Context, uid string, _ time.Duration) (cloud.RepairResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uid)
	return cloud.RepairResult{Completed: 1}, f.err
}

type fakeJobs struct {
	mu      sync.Mutex
	pending []*queue.Job
	retried []*queue.Job
}

func (f *fakeJobs) Dequeue(ctx context.Context) (*queue.Job, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		job := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return job, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeJobs) Retry(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Attempt++
	f.retried = append(f.retried, job)
	return nil
}

func repairJob(t *testing.T, uid string) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(queue.JobTypeRecordingRepair, queue.RecordingRepairPayload{UserID: uid})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestProcess(t *testing.T) {
	r := &fakeRepairer{}
	p := NewRepairProcessor(r, &fakeJobs{}, time.Hour, nil)

	if err := p.Process(context.Background(), repairJob(t, "u1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(r.calls) != 1 || r.calls[0] != "u1" {
		t.Errorf("calls = %v", r.calls)
	}

	if err := p.Process(context.Background(), repairJob(t, "")); err == nil {
		t.Error("expected error for missing user id")
	}
	if err := p.Process(context.Background(), &queue.Job{Type: "other"}); err == nil {
		t.Error("expected error for unknown job type")
	}
}

func TestRunRetriesFailedJobs(t *testing.T) {
	r := &fakeRepairer{err: errors.New("store down")}
	jobs := &fakeJobs{pending: []*queue.Job{repairJob(t, "u1")}}
	p := NewRepairProcessor(r, jobs, time.Hour, nil)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		jobs.mu.Lock()
		n := len(jobs.retried)
		jobs.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job was not retried")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if jobs.retried[0].Attempt != 1 {
		t.Errorf("attempt = %d", jobs.retried[0].Attempt)
	}
}
