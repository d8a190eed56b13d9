package datasetversion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	datasets   map[uuid.UUID]models.Dataset
	versions   map[uuid.UUID]models.DatasetVersion
	filePaths  map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		datasets:  make(map[uuid.UUID]models.Dataset),
		versions:  make(map[uuid.UUID]models.DatasetVersion),
		filePaths: make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) ListDatasetsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Dataset, error) {
	var out []models.Dataset
	for _, id := range ids {
		d, ok := s.datasets[id]
		if !ok {
			return nil, fmt.Errorf("dataset %s not found", id)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) CreateDatasetVersion(ctx context.Context, version models.DatasetVersion) (models.DatasetVersion, error) {
	version.ID = uuid.New()
	s.versions[version.ID] = version
	return version, nil
}

func (s *fakeStore) SetDatasetVersionFilePath(ctx context.Context, id uuid.UUID, filePath string) error {
	s.filePaths[id] = filePath
	return nil
}

func TestMaterializeRejectsNonSFT(t *testing.T) {
	store := newFakeStore()
	_, err := Materialize(context.Background(), store, t.TempDir(), Request{DatasetType: models.DatasetTypePT})
	require.Error(t, err)
}

func TestMaterializeWritesJSONLOneRecordPerLine(t *testing.T) {
	store := newFakeStore()
	d1 := uuid.New()
	d2 := uuid.New()
	store.datasets[d1] = models.Dataset{Base: models.Base{ID: d1}, Instruction: "classify", Input: "foo", Answer: "bar"}
	store.datasets[d2] = models.Dataset{Base: models.Base{ID: d2}, Instruction: "classify", Input: "baz", Answer: "qux", CoT: "because qux"}

	versionDir := t.TempDir()
	version, err := Materialize(context.Background(), store, versionDir, Request{
		DatasetType:   models.DatasetTypeSFT,
		DatasetIDs:    []uuid.UUID{d1, d2},
		OutputWithCoT: true,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(versionDir, version.ID.String()+".jsonl"), version.FilePath)

	f, err := os.Open(version.FilePath)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first sftRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "bar", first.Output)

	var second sftRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Contains(t, second.Output, "<think>because qux")
	assert.Contains(t, second.Output, "qux")
}
