package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[uuid.UUID]models.Job)}
}

func (s *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("not found")
	}
	return job, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

type succeedingHandler struct{ doneCalled chan struct{} }

func (h *succeedingHandler) Execute(ctx context.Context, job models.Job, progress ProgressFunc) (models.JobResult, error) {
	result := models.JobResult{Progress: models.JobProgress{Total: 1, DoneCount: 1}}
	return result, progress(ctx, result)
}

func (h *succeedingHandler) Done(ctx context.Context, job models.Job) {
	close(h.doneCalled)
}

func TestManagerRunsJobToSuccess(t *testing.T) {
	store := newFakeStore()
	logger := zap.NewNop()
	mgr := NewManager(store, nil, logger, 2)
	mgr.pollInterval = 10 * time.Millisecond

	handler := &succeedingHandler{doneCalled: make(chan struct{})}
	mgr.RegisterHandler(models.JobTypeFilePairGenerator, handler)

	job := models.Job{
		Base: models.Base{ID: uuid.New()},
		Type: models.JobTypeFilePairGenerator,
	}
	store.UpdateJob(context.Background(), job)
	mgr.AddJob(job)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go mgr.Run(ctx)

	select {
	case <-handler.doneCalled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler Done was never called")
	}

	// give the manager a tick to persist the terminal status
	time.Sleep(20 * time.Millisecond)
	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Equal(t, 1, got.Result.Progress.DoneCount)
}

type blockingHandler struct {
	started chan struct{}
}

func (h *blockingHandler) Execute(ctx context.Context, job models.Job, progress ProgressFunc) (models.JobResult, error) {
	close(h.started)
	<-ctx.Done()
	return models.JobResult{}, ctx.Err()
}

func (h *blockingHandler) Done(ctx context.Context, job models.Job) {}

func TestManagerCancelJob(t *testing.T) {
	store := newFakeStore()
	logger := zap.NewNop()
	mgr := NewManager(store, nil, logger, 1)
	mgr.pollInterval = 10 * time.Millisecond

	handler := &blockingHandler{started: make(chan struct{})}
	mgr.RegisterHandler(models.JobTypeDatasetGenerator, handler)

	job := models.Job{Base: models.Base{ID: uuid.New()}, Type: models.JobTypeDatasetGenerator}
	store.UpdateJob(context.Background(), job)
	mgr.AddJob(job)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go mgr.Run(ctx)

	select {
	case <-handler.started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, mgr.CancelJob(job.ID))

	require.Eventually(t, func() bool {
		got, err := store.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == models.JobStatusCancel
	}, time.Second, 10*time.Millisecond)
}
