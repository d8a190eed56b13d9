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

func TestGaPairGeneratorReplacesByDefault(t *testing.T) {
	store := newFakeStore()
	fileID := uuid.New()
	store.files[fileID] = models.File{Base: models.Base{ID: fileID}, Name: "doc.txt", Content: "some source text"}
	store.gaPairs[fileID] = []models.GAPair{{Base: models.Base{ID: uuid.New()}, FileID: fileID, GenreTitle: "stale"}}

	llmResp := `[{"genre_title":"Tutorial","genre_description":"step by step","audience_title":"Beginner","audience_description":"new users"}]`
	h := NewGaPairGenerator(store, &fakeLLM{chatResponse: llmResp}, zap.NewNop())

	input := models.GaPairGeneratorInput{FileIDs: []uuid.UUID{fileID}, AppendMode: false}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.DoneCount)

	pairs := store.gaPairs[fileID]
	require.Len(t, pairs, 1)
	assert.Equal(t, "Tutorial", pairs[0].GenreTitle)
}

func TestGaPairGeneratorAppendMode(t *testing.T) {
	store := newFakeStore()
	fileID := uuid.New()
	store.files[fileID] = models.File{Base: models.Base{ID: fileID}, Name: "doc.txt", Content: "text"}
	store.gaPairs[fileID] = []models.GAPair{{Base: models.Base{ID: uuid.New()}, FileID: fileID, GenreTitle: "existing"}}

	llmResp := `[{"genre_title":"New","genre_description":"d","audience_title":"A","audience_description":"d"}]`
	h := NewGaPairGenerator(store, &fakeLLM{chatResponse: llmResp}, zap.NewNop())

	input := models.GaPairGeneratorInput{FileIDs: []uuid.UUID{fileID}, AppendMode: true}
	blob, _ := json.Marshal(input)

	_, err := h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)

	assert.Len(t, store.gaPairs[fileID], 2)
}
