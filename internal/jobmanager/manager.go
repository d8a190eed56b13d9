// Package jobmanager implements the Background Job Manager (§4.1): a
// process-wide registry of Jobs dispatched by type to registered Handlers,
// bounded to a configurable concurrency limit, with cancellation and
// crash recovery.
package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/metrics"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence contract the Job Manager needs. internal/store
// provides the Postgres-backed implementation.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job) error
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error)
}

// Handler is the per-JobType execution contract. Execute is blocking and
// runs on a worker goroutine; it must call the manager's progress callback
// (via Job.Result mutation + a return) after each unit of work so partial
// progress survives a crash. Done is called once, after Execute returns or
// panics, for any type-specific cleanup.
type Handler interface {
	Execute(ctx context.Context, job models.Job, progress ProgressFunc) (models.JobResult, error)
	Done(ctx context.Context, job models.Job)
}

// ProgressFunc persists a Job's result after each unit of work, so
// cancellation or a crash loses at most one in-flight item.
type ProgressFunc func(ctx context.Context, result models.JobResult) error

// Manager owns the live-job registry and the worker pool.
type Manager struct {
	store        Store
	eventBus     *events.Bus
	logger       *zap.Logger
	concurrency  int
	pollInterval time.Duration

	mu           sync.Mutex
	handlers     map[models.JobType]Handler
	jobs         map[uuid.UUID]models.Job
	runningTasks map[uuid.UUID]context.CancelFunc
	queue        []uuid.UUID
}

// NewManager creates a Job Manager. concurrency bounds how many jobs execute
// at the same time (default 5 per SPEC_FULL's ambient config).
func NewManager(store Store, eventBus *events.Bus, logger *zap.Logger, concurrency int) *Manager {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Manager{
		store:        store,
		eventBus:     eventBus,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: 2 * time.Second,
		handlers:     make(map[models.JobType]Handler),
		jobs:         make(map[uuid.UUID]models.Job),
		runningTasks: make(map[uuid.UUID]context.CancelFunc),
	}
}

// RegisterHandler binds a Handler to a JobType. Must be called before Run.
func (m *Manager) RegisterHandler(jobType models.JobType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = handler
}

// AddJob enqueues a Job for dispatch. The caller has already persisted the
// Job; its status is flipped to Running when a worker slot picks it up.
func (m *Manager) AddJob(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	m.queue = append(m.queue, job.ID)
}

// CancelJob marks a running job's context cancelled. The handler observes
// ctx.Done() and the manager finalizes the Job as Cancel once Execute
// returns.
func (m *Manager) CancelJob(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.runningTasks[id]
	if !ok {
		return fmt.Errorf("job %s is not running", id)
	}
	cancel()
	return nil
}

// Recover reloads all status=Running jobs from storage and re-adds them to
// the queue. Call once at startup, before Run.
func (m *Manager) Recover(ctx context.Context) error {
	running, err := m.store.ListJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	for _, job := range running {
		m.logger.Info("recovering job", zap.String("job_id", job.ID.String()), zap.String("type", string(job.Type)))
		m.AddJob(job)
	}
	return nil
}

// Run is the dispatch loop: on every poll-interval tick it fills worker
// slots up to concurrency. Finished jobs free their slot themselves when
// runJob returns. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job manager stopping")
			return
		case <-ticker.C:
			m.fillSlots(ctx)
		}
	}
}

func (m *Manager) fillSlots(ctx context.Context) {
	m.mu.Lock()
	available := m.concurrency - len(m.runningTasks)
	var toStart []uuid.UUID
	for available > 0 && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		toStart = append(toStart, id)
		available--
	}
	m.mu.Unlock()

	m.mu.Lock()
	metrics.JobsQueued.Set(float64(len(m.queue)))
	m.mu.Unlock()

	for _, id := range toStart {
		m.startJob(ctx, id)
	}
}

func (m *Manager) startJob(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	handler, ok := m.handlers[job.Type]
	if !ok {
		m.mu.Unlock()
		m.logger.Error("no handler registered for job type", zap.String("type", string(job.Type)))
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	m.runningTasks[id] = cancel
	m.mu.Unlock()

	go m.runJob(jobCtx, cancel, job, handler)
}

func (m *Manager) runJob(ctx context.Context, cancel context.CancelFunc, job models.Job, handler Handler) {
	metrics.JobsActive.WithLabelValues(string(job.Type)).Inc()
	defer func() {
		m.mu.Lock()
		delete(m.runningTasks, job.ID)
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		cancel()
		metrics.JobsActive.WithLabelValues(string(job.Type)).Dec()
	}()

	job.Status = models.JobStatusRunning
	if err := m.store.UpdateJob(context.Background(), job); err != nil {
		m.logger.Error("failed to persist job start", zap.Error(err), zap.String("job_id", job.ID.String()))
	}
	m.publish(events.EventJobStarted, job)

	result, err := m.execute(ctx, job, handler)

	job.Result = result
	switch {
	case ctx.Err() == context.Canceled:
		job.Status = models.JobStatusCancel
		job.Result.Error = localizedCancelMessage(job.Locale)
		m.publish(events.EventJobCancelled, job)
	case err != nil:
		job.Status = models.JobStatusFailed
		job.Result.Error = err.Error()
		m.publish(events.EventJobFailed, job)
	default:
		job.Status = models.JobStatusSuccess
		m.publish(events.EventJobSucceeded, job)
	}

	if persistErr := m.store.UpdateJob(context.Background(), job); persistErr != nil {
		m.logger.Error("failed to persist job result", zap.Error(persistErr), zap.String("job_id", job.ID.String()))
	}

	handler.Done(context.Background(), job)
}

// execute runs the handler, translating a panic into an error so the
// manager can still finalize the Job's status.
func (m *Manager) execute(ctx context.Context, job models.Job, handler Handler) (result models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	progress := func(pctx context.Context, r models.JobResult) error {
		job.Result = r
		return m.store.UpdateJob(pctx, job)
	}

	return handler.Execute(ctx, job, progress)
}

func (m *Manager) publish(eventType events.EventType, job models.Job) {
	if m.eventBus == nil {
		return
	}
	evt := events.NewEvent(eventType, job.ProjectID.String(), map[string]interface{}{
		"job_id": job.ID.String(),
		"type":   string(job.Type),
		"status": string(job.Status),
	})
	if err := m.eventBus.Publish(context.Background(), evt); err != nil {
		m.logger.Error("failed to publish job event", zap.Error(err))
	}
}

func localizedCancelMessage(locale models.Locale) string {
	if locale == models.LocaleZH {
		return "任务已取消"
	}
	return "job cancelled"
}
