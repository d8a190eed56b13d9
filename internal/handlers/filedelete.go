package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crosslogic/finetune-control-plane/internal/jobmanager"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"go.uber.org/zap"
)

// FileDeleteGenerator implements JobType=FileDeleteGenerator (§4.2):
// capture the file's content as "deleted_content" for the Tag Generator
// sub-flow, then cascade-delete the File and everything hanging off it
// (FilePairs, GAPairs, Questions, Datasets).
type FileDeleteGenerator struct{ base }

func NewFileDeleteGenerator(store Store, llm LLMClient, logger *zap.Logger) *FileDeleteGenerator {
	return &FileDeleteGenerator{base{store: store, llm: llm, logger: logger}}
}

func (h *FileDeleteGenerator) Execute(ctx context.Context, job models.Job, progress jobmanager.ProgressFunc) (models.JobResult, error) {
	var input models.FileDeleteGeneratorInput
	if err := json.Unmarshal(job.InputBlob, &input); err != nil {
		return models.JobResult{}, fmt.Errorf("decode input_blob: %w", err)
	}

	result := newProgress(1)

	file, err := h.store.GetFile(ctx, input.FileID)
	if err != nil {
		recordError(ctx, &result, progress, "get file %s: %v", input.FileID, err)
		return result, fmt.Errorf("get file: %w", err)
	}

	if err := runTagGeneratorFlow(ctx, h.store, h.llm, job.ProjectID, job.Locale, models.TOCActionRevise, "", file.Content); err != nil {
		if recErr := recordError(ctx, &result, progress, "tag reconciliation failed: %v", err); recErr != nil {
			return result, recErr
		}
		return result, err
	}

	if err := h.store.CascadeDeleteFile(ctx, input.FileID); err != nil {
		if recErr := recordError(ctx, &result, progress, "cascade delete failed: %v", err); recErr != nil {
			return result, recErr
		}
		return result, fmt.Errorf("cascade delete: %w", err)
	}

	if err := recordItem(ctx, &result, progress, "file %s deleted with cascade", input.FileID); err != nil {
		return result, err
	}
	return result, nil
}

func (h *FileDeleteGenerator) Done(ctx context.Context, job models.Job) {}
