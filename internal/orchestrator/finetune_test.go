package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/remotehost"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]models.FinetuneJob
	machines     map[uuid.UUID]models.Machine
	configs      map[uuid.UUID]models.FinetuneConfig
	datasets     map[uuid.UUID]models.DatasetVersion
	releases     []models.Release
	doneNodeNums map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:         make(map[uuid.UUID]models.FinetuneJob),
		machines:     make(map[uuid.UUID]models.Machine),
		configs:      make(map[uuid.UUID]models.FinetuneConfig),
		datasets:     make(map[uuid.UUID]models.DatasetVersion),
		doneNodeNums: make(map[uuid.UUID]int),
	}
}

func (s *fakeStore) CreateFinetuneJob(ctx context.Context, job models.FinetuneJob) (models.FinetuneJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = uuid.New()
	s.jobs[job.ID] = job
	s.doneNodeNums[job.ID] = 0
	return job, nil
}

func (s *fakeStore) GetFinetuneJob(ctx context.Context, id uuid.UUID) (models.FinetuneJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.FinetuneJob{}, fmt.Errorf("not found")
	}
	return job, nil
}

func (s *fakeStore) ListFinetuneJobsByStatus(ctx context.Context, status models.FinetuneJobStatus) ([]models.FinetuneJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FinetuneJob
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateFinetuneJobStatus(ctx context.Context, id uuid.UUID, status models.FinetuneJobStatus, errorInfo string, endAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = status
	job.ErrorInfo = errorInfo
	job.EndAt = endAt
	s.jobs[id] = job
	return nil
}

func (s *fakeStore) UpdateFinetuneJobStartAt(ctx context.Context, id uuid.UUID, startAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.StartAt = &startAt
	s.jobs[id] = job
	return nil
}

func (s *fakeStore) IncrementDoneNodeNum(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneNodeNums[id]++
	job := s.jobs[id]
	job.DoneNodeNum = s.doneNodeNums[id]
	s.jobs[id] = job
	return s.doneNodeNums[id], nil
}

func (s *fakeStore) SetFinetuneJobReleaseID(ctx context.Context, id, releaseID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.ReleaseID = &releaseID
	s.jobs[id] = job
	return nil
}

func (s *fakeStore) CreateRelease(ctx context.Context, release models.Release) (models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release.ID = uuid.New()
	s.releases = append(s.releases, release)
	return release, nil
}

func (s *fakeStore) ListMachinesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Machine
	for _, id := range ids {
		m, ok := s.machines[id]
		if !ok {
			return nil, fmt.Errorf("machine %s not found", id)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) ListFinetuneConfigsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.FinetuneConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FinetuneConfig
	for _, id := range ids {
		c, ok := s.configs[id]
		if !ok {
			return nil, fmt.Errorf("config %s not found", id)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) GetDatasetVersion(ctx context.Context, id uuid.UUID) (models.DatasetVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.datasets[id]
	if !ok {
		return models.DatasetVersion{}, fmt.Errorf("not found")
	}
	return v, nil
}

type fakeGateway struct {
	mu             sync.Mutex
	connected      bool
	serviceStatus  remotehost.ServiceStatus
	uploadedFiles  []string
	executedCmds   []string
	downloadedFrom []string
}

func (g *fakeGateway) TestConnection(ctx context.Context) (bool, error) {
	return g.connected, nil
}

func (g *fakeGateway) ExecuteCommand(ctx context.Context, cmd string, timeout time.Duration) (string, string, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executedCmds = append(g.executedCmds, cmd)
	return "", "", 0, nil
}

func (g *fakeGateway) SftpUploadWithDirs(ctx context.Context, localPath, remotePath string, overwrite bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploadedFiles = append(g.uploadedFiles, remotePath)
	return nil
}

func (g *fakeGateway) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.downloadedFrom = append(g.downloadedFrom, remotePath)
	return os.WriteFile(localPath, []byte("fake content"), 0o644)
}

func (g *fakeGateway) MonitorServiceStatus(ctx context.Context, name string) (remotehost.ServiceStatus, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.serviceStatus, "", nil
}

func testOrchestrator(t *testing.T, store Store, gw Gateway) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	return New(store, func(models.Machine) (Gateway, error) { return gw, nil }, nil, nil, zap.NewNop(), Config{
		LocalFileDir:           dir,
		PollInterval:           5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		StagingTimeout:         time.Second,
		ExecTimeout:            time.Second,
	})
}

func TestCreateRejectsNonSFTStage(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{connected: true}
	orch := testOrchestrator(t, store, gw)

	_, err := orch.Create(context.Background(), CreateRequest{
		Stage:      models.StagePT,
		MachineIDs: []uuid.UUID{uuid.New()},
	})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCreateRejectsMissingDeepspeedForMultiGPU(t *testing.T) {
	store := newFakeStore()
	datasetID := uuid.New()
	store.datasets[datasetID] = models.DatasetVersion{Base: models.Base{ID: datasetID}, FilePath: "/tmp/dataset.jsonl"}

	machineID := uuid.New()
	store.machines[machineID] = models.Machine{Base: models.Base{ID: machineID}, GPUCount: 4}

	gw := &fakeGateway{connected: true}
	orch := testOrchestrator(t, store, gw)

	_, err := orch.Create(context.Background(), CreateRequest{
		Stage:            models.StageSFT,
		DatasetVersionID: datasetID,
		MachineIDs:       []uuid.UUID{machineID},
	})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCreateSucceedsAndTransitionsToInit(t *testing.T) {
	store := newFakeStore()

	datasetID := uuid.New()
	datasetPath := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(datasetPath, []byte(`{"instruction":"hi","input":"","output":"hello"}`+"\n"), 0o644))
	store.datasets[datasetID] = models.DatasetVersion{Base: models.Base{ID: datasetID}, FilePath: datasetPath}

	configID := uuid.New()
	store.configs[configID] = models.FinetuneConfig{
		Base:    models.Base{ID: configID},
		ArgType: models.ArgTypeModel,
		Payload: map[string]interface{}{"model_name_or_path": "Qwen/Qwen2.5-7B"},
	}

	machineID := uuid.New()
	store.machines[machineID] = models.Machine{Base: models.Base{ID: machineID}, GPUCount: 1}

	gw := &fakeGateway{connected: true}
	orch := testOrchestrator(t, store, gw)

	job, err := orch.Create(context.Background(), CreateRequest{
		Stage:             models.StageSFT,
		DatasetVersionID:  datasetID,
		FinetuneConfigIDs: []uuid.UUID{configID},
		MachineIDs:        []uuid.UUID{machineID},
	})
	require.NoError(t, err)
	assert.Equal(t, models.FinetuneStatusInitializing, job.Status)

	// Initialize runs asynchronously; poll until it either transitions or
	// gives up, rather than sleeping a fixed duration.
	var final models.FinetuneJob
	for i := 0; i < 200; i++ {
		final, err = store.GetFinetuneJob(context.Background(), job.ID)
		require.NoError(t, err)
		if final.Status != models.FinetuneStatusInitializing {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, models.FinetuneStatusInit, final.Status)
}

func TestBuildTrainCommandTopologies(t *testing.T) {
	orch := testOrchestrator(t, newFakeStore(), &fakeGateway{})

	singleGPU := models.FinetuneJob{
		Base:            models.Base{ID: uuid.New()},
		NodeMachineList: []models.Machine{{GPUCount: 1}},
	}
	cmd := orch.buildTrainCommand(withID(singleGPU), 0)
	assert.Contains(t, cmd, "llamafactory-cli train")
	assert.NotContains(t, cmd, "FORCE_TORCHRUN")

	multiGPU := models.FinetuneJob{NodeMachineList: []models.Machine{{GPUCount: 4}}}
	cmd = orch.buildTrainCommand(withID(multiGPU), 0)
	assert.Contains(t, cmd, "FORCE_TORCHRUN=1 llamafactory-cli")

	multiNode := models.FinetuneJob{NodeMachineList: []models.Machine{
		{InternalIP: "10.0.0.1", GPUCount: 1},
		{InternalIP: "10.0.0.2", GPUCount: 1},
	}}
	cmd = orch.buildTrainCommand(withID(multiNode), 1)
	assert.Contains(t, cmd, "NNODES=2")
	assert.Contains(t, cmd, "NODE_RANK=1")
	assert.Contains(t, cmd, "MASTER_ADDR=10.0.0.1")
}

func withID(j models.FinetuneJob) models.FinetuneJob {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return j
}

func TestCancelOnlyAppliesToStartingJobs(t *testing.T) {
	store := newFakeStore()
	jobID := uuid.New()
	store.jobs[jobID] = models.FinetuneJob{Base: models.Base{ID: jobID}, Status: models.FinetuneStatusInit}

	orch := testOrchestrator(t, store, &fakeGateway{})
	err := orch.Cancel(context.Background(), jobID)
	require.Error(t, err)

	store.jobs[jobID] = models.FinetuneJob{Base: models.Base{ID: jobID}, Status: models.FinetuneStatusStarting}
	err = orch.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	job, _ := store.GetFinetuneJob(context.Background(), jobID)
	assert.Equal(t, models.FinetuneStatusCancel, job.Status)
}
