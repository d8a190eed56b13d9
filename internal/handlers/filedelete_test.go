package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileDeleteGeneratorCascades(t *testing.T) {
	store := newFakeStore()
	fileID := uuid.New()
	projectID := uuid.New()
	store.files[fileID] = models.File{Base: models.Base{ID: fileID}, Content: "# Old Section\ncontent"}

	h := NewFileDeleteGenerator(store, &fakeLLM{chatResponse: `[]`}, zap.NewNop())

	input := models.FileDeleteGeneratorInput{FileID: fileID}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	job := models.Job{ProjectID: projectID, InputBlob: blob}
	result, err := h.Execute(context.Background(), job, noopProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.DoneCount)

	assert.Contains(t, store.deletedFile, fileID)
	_, stillExists := store.files[fileID]
	assert.False(t, stillExists)
}
