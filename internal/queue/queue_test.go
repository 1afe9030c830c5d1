package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/internal/store/memory"
)

func TestEachJobDispatchedToExactlyOneWorker(t *testing.T) {
	stores := memory.NewStores()
	q := New(stores.Jobs)
	q.PollInterval = 10 * time.Millisecond

	var mu sync.Mutex
	seen := make(map[string]int)
	done := make(chan struct{}, 20)

	q.Register(store.JobRun, func(ctx context.Context, job *store.Job) error {
		mu.Lock()
		seen[job.ID.String()]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, 4)

	const jobs = 20
	for i := 0; i < jobs; i++ {
		err := q.Enqueue(ctx, &store.Job{Kind: store.JobRun, SubjectID: store.GenNewID()})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for i := 0; i < jobs; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for job %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != jobs {
		t.Fatalf("dispatched %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s dispatched %d times, want 1", id, n)
		}
	}
}

func TestHandlerErrorMarksJobFailed(t *testing.T) {
	stores := memory.NewStores()
	q := New(stores.Jobs)
	q.PollInterval = 10 * time.Millisecond

	done := make(chan struct{})
	q.Register(store.JobSandboxOp, func(ctx context.Context, job *store.Job) error {
		defer close(done)
		return context.DeadlineExceeded
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, 1)

	job := &store.Job{Kind: store.JobSandboxOp, SubjectID: store.GenNewID()}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	<-done
	// MarkFailed happens after the handler returns; give the worker a beat.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := stores.Jobs.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status == store.JobFailed {
			if got.Error == "" {
				t.Fatal("failed job has empty error")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %s, want failed", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
