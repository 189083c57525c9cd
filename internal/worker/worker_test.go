package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/trackbridge/internal/types"
)

type fakeJobs struct {
	mu      sync.Mutex
	queued  []*types.ImportJob
	status  map[string]types.JobStatus
	errMsgs map[string]string
	err     error
}

func newFakeJobs(ids ...string) *fakeJobs {
	f := &fakeJobs{status: map[string]types.JobStatus{}, errMsgs: map[string]string{}}
	for _, id := range ids {
		f.queued = append(f.queued, &types.ImportJob{ID: id, Source: types.IntegrationJiraServer, Status: types.JobQueued})
		f.status[id] = types.JobQueued
	}
	return f
}

func (f *fakeJobs) ClaimNextJob(context.Context) (*types.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, j := range f.queued {
		if f.status[j.ID] == types.JobQueued {
			f.status[j.ID] = types.JobPulling
			j.Attempts++
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeJobs) UpdateJobStatus(_ context.Context, id string, status types.JobStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = status
	f.errMsgs[id] = errMsg
	return nil
}

func (f *fakeJobs) statusOf(id string) types.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

type runnerFunc func(ctx context.Context, jobID string) error

func (fn runnerFunc) Run(ctx context.Context, jobID string) error { return fn(ctx, jobID) }

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnce_Empty(t *testing.T) {
	w := New(newFakeJobs(), func(context.Context, *types.ImportJob) (Runner, error) {
		t.Fatal("factory called without a job")
		return nil, nil
	}, Config{Logger: quiet()})

	claimed, err := w.RunOnce(context.Background())
	if err != nil || claimed {
		t.Errorf("RunOnce() = %v, %v; want false, nil", claimed, err)
	}
}

func TestRunOnce_RunsJob(t *testing.T) {
	jobs := newFakeJobs("job-1")
	var ran []string
	w := New(jobs, func(_ context.Context, job *types.ImportJob) (Runner, error) {
		return runnerFunc(func(_ context.Context, id string) error {
			ran = append(ran, id)
			return jobs.UpdateJobStatus(context.Background(), id, types.JobFinished, "")
		}), nil
	}, Config{Logger: quiet()})

	claimed, err := w.RunOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("RunOnce() = %v, %v; want true, nil", claimed, err)
	}
	if len(ran) != 1 || ran[0] != "job-1" {
		t.Errorf("ran = %v, want [job-1]", ran)
	}
	if got := jobs.statusOf("job-1"); got != types.JobFinished {
		t.Errorf("status = %s, want %s", got, types.JobFinished)
	}
}

func TestRunOnce_FactoryError(t *testing.T) {
	jobs := newFakeJobs("job-1")
	w := New(jobs, func(context.Context, *types.ImportJob) (Runner, error) {
		return nil, errors.New("credential cred-9 not found")
	}, Config{Logger: quiet()})

	claimed, err := w.RunOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("RunOnce() = %v, %v; want true, nil", claimed, err)
	}
	if got := jobs.statusOf("job-1"); got != types.JobError {
		t.Errorf("status = %s, want %s", got, types.JobError)
	}
	if jobs.errMsgs["job-1"] != "credential cred-9 not found" {
		t.Errorf("error message = %q", jobs.errMsgs["job-1"])
	}
}

func TestRunOnce_ClaimError(t *testing.T) {
	jobs := newFakeJobs()
	jobs.err = errors.New("database is locked")
	w := New(jobs, nil, Config{Logger: quiet()})

	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Error("expected claim error")
	}
}

func TestRunOnce_ShutdownRequeues(t *testing.T) {
	jobs := newFakeJobs("job-1")
	ctx, cancel := context.WithCancel(context.Background())
	w := New(jobs, func(context.Context, *types.ImportJob) (Runner, error) {
		return runnerFunc(func(ctx context.Context, _ string) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}), nil
	}, Config{Logger: quiet()})

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := jobs.statusOf("job-1"); got != types.JobQueued {
		t.Errorf("status = %s, want %s", got, types.JobQueued)
	}
}

func TestStart_DrainsQueue(t *testing.T) {
	jobs := newFakeJobs("job-1", "job-2", "job-3")
	var (
		mu   sync.Mutex
		done = make(chan struct{})
		ran  int
	)
	w := New(jobs, func(context.Context, *types.ImportJob) (Runner, error) {
		return runnerFunc(func(ctx context.Context, id string) error {
			mu.Lock()
			ran++
			if ran == 3 {
				close(done)
			}
			mu.Unlock()
			return jobs.UpdateJobStatus(ctx, id, types.JobFinished, "")
		}), nil
	}, Config{PollInterval: time.Hour, Concurrency: 2, Logger: quiet()})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Start(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not run all queued jobs")
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() = %v, want context.Canceled", err)
	}
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if got := jobs.statusOf(id); got != types.JobFinished {
			t.Errorf("%s status = %s, want %s", id, got, types.JobFinished)
		}
	}
}
