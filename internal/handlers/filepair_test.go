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

func TestFilePairGeneratorSplitsAndRebuildsCatalog(t *testing.T) {
	store := newFakeStore()
	fileID := uuid.New()
	store.files[fileID] = models.File{
		Base:    models.Base{ID: fileID},
		Name:    "doc.md",
		Content: "# Intro\nhello world\n\n## Details\nmore text\n",
	}

	input := models.FilePairGeneratorInput{
		FileIDs:        []uuid.UUID{fileID},
		ChunkStrategy:  "markdown",
		TOCBuildAction: models.TOCActionKeep,
	}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	h := NewFilePairGenerator(store, &fakeLLM{}, zap.NewNop())
	job := models.Job{InputBlob: blob}

	result, err := h.Execute(context.Background(), job, noopProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.DoneCount)
	assert.Equal(t, 1, result.Progress.Total)

	var pairCount int
	for _, fp := range store.filePairs {
		if fp.FileID == fileID {
			pairCount++
		}
	}
	assert.Equal(t, 2, pairCount)

	updated := store.files[fileID]
	require.NotEmpty(t, updated.Catalog)
	var toc []TOCEntry
	require.NoError(t, json.Unmarshal(updated.Catalog, &toc))
	assert.Len(t, toc, 2)
}

func TestFilePairGeneratorUnknownFileIsSkippedNotFatal(t *testing.T) {
	store := newFakeStore()
	input := models.FilePairGeneratorInput{
		FileIDs:        []uuid.UUID{uuid.New()},
		ChunkStrategy:  "text",
		TOCBuildAction: models.TOCActionKeep,
	}
	blob, _ := json.Marshal(input)

	h := NewFilePairGenerator(store, &fakeLLM{}, zap.NewNop())
	result, err := h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Progress.DoneCount)
	assert.Empty(t, store.filePairs)
}
