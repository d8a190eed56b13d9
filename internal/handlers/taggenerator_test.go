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

func TestTagGeneratorRebuildCreatesTree(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()

	llmResp := `[{"name":"Root","children":[{"name":"Child"}]}]`
	h := NewTagGenerator(store, &fakeLLM{chatResponse: llmResp}, zap.NewNop())

	input := models.TagGeneratorInput{
		ProjectID:      projectID,
		TOCBuildAction: models.TOCActionRebuild,
		NewContent:     "# Root\n## Child\n",
	}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.DoneCount)

	tags := store.tags[projectID]
	require.Len(t, tags, 2)

	var root, child models.Tag
	for _, tag := range tags {
		if tag.ParentID == nil {
			root = tag
		} else {
			child = tag
		}
	}
	assert.Equal(t, "Root", root.Name)
	assert.Equal(t, "Child", child.Name)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, root.ID, *child.ParentID)
}

func TestTagGeneratorKeepIsNoop(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	store.tags[projectID] = []models.Tag{{Base: models.Base{ID: uuid.New()}, ProjectID: projectID, Name: "Existing"}}

	h := NewTagGenerator(store, &fakeLLM{}, zap.NewNop())
	input := models.TagGeneratorInput{ProjectID: projectID, TOCBuildAction: models.TOCActionKeep}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)
	assert.Len(t, store.tags[projectID], 1)
}

func TestTagGeneratorReviseAddsUnderExistingParent(t *testing.T) {
	store := newFakeStore()
	projectID := uuid.New()
	rootID := uuid.New()
	store.tags[projectID] = []models.Tag{{Base: models.Base{ID: rootID}, ProjectID: projectID, Name: "Root"}}

	llmResp := `[{"name":"New Child","parent_name":"Root"}]`
	h := NewTagGenerator(store, &fakeLLM{chatResponse: llmResp}, zap.NewNop())

	input := models.TagGeneratorInput{
		ProjectID:      projectID,
		TOCBuildAction: models.TOCActionRevise,
		NewContent:     "## New Child\n",
	}
	blob, err := json.Marshal(input)
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), models.Job{InputBlob: blob}, noopProgress)
	require.NoError(t, err)

	tags := store.tags[projectID]
	require.Len(t, tags, 2)
}
