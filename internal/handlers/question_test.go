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

func TestQuestionGeneratorWithoutGAPairs(t *testing.T) {
	store := newFakeStore()
	fpID := uuid.New()
	store.filePairs[fpID] = models.FilePair{Base: models.Base{ID: fpID}, Content: "chunk content"}

	proposed := `["What is this about?", "Why does it matter?"]`
	labeled := `[{"question":"What is this about?","label":""},{"question":"Why does it matter?","label":""}]`
	h := NewQuestionGenerator(store, &fakeLLM{chatQueue: []string{proposed, labeled}}, zap.NewNop())

	n := 2
	input := models.QuestionGeneratorInput{
		FilePairIDs:              []uuid.UUID{fpID},
		RequestedNumber:          &n,
		QuestionGenerationLength: 50,
	}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.DoneCount)
	assert.Len(t, store.questions, 2)

	fp := store.filePairs[fpID]
	assert.Len(t, fp.QuestionIDList, 2)
}

func TestQuestionGeneratorConditionedByGAPairs(t *testing.T) {
	store := newFakeStore()
	fileID := uuid.New()
	fpID := uuid.New()
	store.filePairs[fpID] = models.FilePair{Base: models.Base{ID: fpID}, FileID: fileID, Content: "chunk content"}
	store.gaPairs[fileID] = []models.GAPair{
		{Base: models.Base{ID: uuid.New()}, FileID: fileID, GenreTitle: "Tutorial", AudienceTitle: "Beginner"},
	}

	proposed := `["Conditioned question?"]`
	labeled := `[{"question":"Conditioned question?","label":""}]`
	h := NewQuestionGenerator(store, &fakeLLM{chatQueue: []string{proposed, labeled}}, zap.NewNop())

	input := models.QuestionGeneratorInput{
		FilePairIDs:              []uuid.UUID{fpID},
		QuestionGenerationLength: 50,
		UseGAGenerator:           true,
	}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)
	require.Len(t, store.questions, 1)

	for _, q := range store.questions {
		require.NotNil(t, q.GAPair)
		assert.Equal(t, "Tutorial", q.GAPair.GenreTitle)
	}
}

func TestQuestionGeneratorAssignsTagFromLabel(t *testing.T) {
	store := newFakeStore()
	fpID := uuid.New()
	projectID := uuid.New()
	store.filePairs[fpID] = models.FilePair{Base: models.Base{ID: fpID}, Content: "chunk content"}
	tagID := uuid.New()
	store.tags[projectID] = []models.Tag{{Base: models.Base{ID: tagID}, ProjectID: projectID, Name: "billing"}}

	proposed := `["What is the refund policy?"]`
	labeled := `[{"question":"What is the refund policy?","label":"billing"}]`
	h := NewQuestionGenerator(store, &fakeLLM{chatQueue: []string{proposed, labeled}}, zap.NewNop())

	n := 1
	input := models.QuestionGeneratorInput{
		FilePairIDs:              []uuid.UUID{fpID},
		RequestedNumber:          &n,
		QuestionGenerationLength: 50,
	}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), models.Job{InputBlob: blob, ProjectID: projectID}, noopProgress)
	require.NoError(t, err)
	require.Len(t, store.questions, 1)

	for _, q := range store.questions {
		require.NotNil(t, q.TagID)
		assert.Equal(t, tagID, *q.TagID)
	}
}
