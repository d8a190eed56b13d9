package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
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
	mu       sync.Mutex
	clusters map[uuid.UUID]models.DeployCluster
	machines map[uuid.UUID]models.Machine
	releases map[uuid.UUID]models.Release
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clusters: make(map[uuid.UUID]models.DeployCluster),
		machines: make(map[uuid.UUID]models.Machine),
		releases: make(map[uuid.UUID]models.Release),
	}
}

func (s *fakeStore) CreateDeployCluster(ctx context.Context, cluster models.DeployCluster) (models.DeployCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster.ID = uuid.New()
	s.clusters[cluster.ID] = cluster
	return cluster, nil
}

func (s *fakeStore) GetDeployCluster(ctx context.Context, id uuid.UUID) (models.DeployCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return models.DeployCluster{}, fmt.Errorf("not found")
	}
	return c, nil
}

func (s *fakeStore) ListDeployClusters(ctx context.Context) ([]models.DeployCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeployCluster
	for _, c := range s.clusters {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) UpdateDeployCluster(ctx context.Context, cluster models.DeployCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[cluster.ID] = cluster
	return nil
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

func (s *fakeStore) GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.releases[id]
	if !ok {
		return models.Release{}, fmt.Errorf("not found")
	}
	return r, nil
}

type fakeGateway struct {
	mu            sync.Mutex
	connected     bool
	serviceStatus remotehost.ServiceStatus
	executedCmds  []string
}

func (g *fakeGateway) TestConnection(ctx context.Context) (bool, error) { return g.connected, nil }

func (g *fakeGateway) ExecuteCommand(ctx context.Context, cmd string, timeout time.Duration) (string, string, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executedCmds = append(g.executedCmds, cmd)
	out := ""
	if bytes.Contains([]byte(cmd), []byte("ray status")) {
		out = "Active: 1 node"
	}
	return out, "", 0, nil
}

func (g *fakeGateway) SftpUploadWithDirs(ctx context.Context, localPath, remotePath string, overwrite bool) error {
	return nil
}

func (g *fakeGateway) AddCrontabEntry(ctx context.Context, line, comment string) error { return nil }

func (g *fakeGateway) RemoveRebootTaskByName(ctx context.Context, name string) error { return nil }

func (g *fakeGateway) MonitorServiceStatus(ctx context.Context, name string) (remotehost.ServiceStatus, string, error) {
	return g.serviceStatus, "", nil
}

type fakeHTTPClient struct {
	postJSONStatus int
	streamLines    []string
}

func (h *fakeHTTPClient) PostJSON(ctx context.Context, url string, body interface{}) (int, []byte, error) {
	return h.postJSONStatus, []byte(`{}`), nil
}

func (h *fakeHTTPClient) PostStream(ctx context.Context, url string, body interface{}) (io.ReadCloser, int, error) {
	var buf bytes.Buffer
	for _, line := range h.streamLines {
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	return io.NopCloser(&buf), 200, nil
}

func testController(t *testing.T, store Store, gw Gateway, httpClient HTTPClient) *Controller {
	t.Helper()
	return New(store, func(context.Context, uuid.UUID) (Gateway, error) { return gw, nil }, httpClient, nil, zap.NewNop(), Config{
		LocalFileDir: t.TempDir(),
		PollInterval: 5 * time.Millisecond,
		ExecTimeout:  time.Second,
	})
}

func TestCreateRejectsMissingMachines(t *testing.T) {
	store := newFakeStore()
	ctrl := testController(t, store, &fakeGateway{connected: true}, &fakeHTTPClient{})

	_, err := ctrl.Create(context.Background(), CreateRequest{
		Name:       "test",
		MachineIDs: []uuid.UUID{uuid.New()},
		BaseModel:  "Qwen/Qwen2.5-7B",
	})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestInstallDrivesClusterToStarting(t *testing.T) {
	store := newFakeStore()
	machineID := uuid.New()
	store.machines[machineID] = models.Machine{Base: models.Base{ID: machineID}, InternalIP: "10.0.0.1", GPUCount: 1}

	gw := &fakeGateway{connected: true}
	ctrl := testController(t, store, gw, &fakeHTTPClient{})

	cluster, err := ctrl.Create(context.Background(), CreateRequest{
		Name:       "test",
		MachineIDs: []uuid.UUID{machineID},
		BaseModel:  "Qwen/Qwen2.5-7B",
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Install(context.Background(), cluster.ID))

	var final models.DeployCluster
	for i := 0; i < 200; i++ {
		final, err = store.GetDeployCluster(context.Background(), cluster.ID)
		require.NoError(t, err)
		if final.Status != models.ClusterStatusDeploying {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, models.ClusterStatusStarting, final.Status)
}

func TestLoraLifecycleRejectsWhenClusterNotStarting(t *testing.T) {
	store := newFakeStore()
	clusterID := uuid.New()
	store.clusters[clusterID] = models.DeployCluster{Base: models.Base{ID: clusterID}, Status: models.ClusterStatusInit}

	releaseID := uuid.New()
	store.releases[releaseID] = models.Release{Base: models.Base{ID: releaseID}, FinetuneModelPath: "/tmp/release.tar.gz"}

	ctrl := testController(t, store, &fakeGateway{connected: true}, &fakeHTTPClient{postJSONStatus: 200})

	lora, err := ctrl.CreateLora(context.Background(), CreateLoraRequest{ClusterID: clusterID, ReleaseID: releaseID, Stage: models.StageSFT})
	require.NoError(t, err)

	err = ctrl.InstallLora(context.Background(), clusterID, lora.ID)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompletionStreamEmitsTokensAndDone(t *testing.T) {
	store := newFakeStore()
	clusterID := uuid.New()
	machineID := uuid.New()
	store.machines[machineID] = models.Machine{Base: models.Base{ID: machineID}, InternalIP: "10.0.0.1"}
	store.clusters[clusterID] = models.DeployCluster{
		Base:          models.Base{ID: clusterID},
		Status:        models.ClusterStatusStarting,
		MachineIDList: []uuid.UUID{machineID},
	}

	httpClient := &fakeHTTPClient{streamLines: []string{
		`data: {"choices":[{"text":"hel"}]}`,
		`data: {"choices":[{"text":"lo"}]}`,
		`data: [DONE]`,
	}}
	ctrl := testController(t, store, &fakeGateway{connected: true}, httpClient)

	var tokens []string
	err := ctrl.CompletionStream(context.Background(), CompletionRequest{
		ClusterID: clusterID,
		Prompt:    "hi",
		MaxTokens: 16,
	}, func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo", "[DONE]"}, tokens)
}

func TestSyncStatusMarksErrorOnUnhealthyVLLM(t *testing.T) {
	store := newFakeStore()
	clusterID := uuid.New()
	machineID := uuid.New()
	store.machines[machineID] = models.Machine{Base: models.Base{ID: machineID}, InternalIP: "10.0.0.1"}
	store.clusters[clusterID] = models.DeployCluster{
		Base:          models.Base{ID: clusterID},
		Status:        models.ClusterStatusStarting,
		MachineIDList: []uuid.UUID{machineID},
		RayStatus:     []models.RayNodeStatus{{MachineID: machineID}},
	}

	gw := &fakeGateway{connected: true, serviceStatus: remotehost.ServiceFailed}
	ctrl := testController(t, store, gw, &fakeHTTPClient{})

	require.NoError(t, ctrl.SyncStatus(context.Background(), clusterID))
	final, err := store.GetDeployCluster(context.Background(), clusterID)
	require.NoError(t, err)
	assert.Equal(t, models.ClusterStatusError, final.Status)
}
