package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crosslogic/finetune-control-plane/internal/jobmanager"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FilePairGenerator implements JobType=FilePairGenerator (§4.2): per file
// id, soft-delete prior FilePairs, chunk by the configured strategy, bulk
// insert the new FilePairs, rebuild the file's markdown TOC catalog, and
// invoke the Tag Generator sub-flow to reconcile the project's tag forest.
type FilePairGenerator struct{ base }

func NewFilePairGenerator(store Store, llm LLMClient, logger *zap.Logger) *FilePairGenerator {
	return &FilePairGenerator{base{store: store, llm: llm, logger: logger}}
}

func (h *FilePairGenerator) Execute(ctx context.Context, job models.Job, progress jobmanager.ProgressFunc) (models.JobResult, error) {
	var input models.FilePairGeneratorInput
	if err := json.Unmarshal(job.InputBlob, &input); err != nil {
		return models.JobResult{}, fmt.Errorf("decode input_blob: %w", err)
	}

	result := newProgress(len(input.FileIDs))

	for _, fileID := range input.FileIDs {
		if err := h.processFile(ctx, job, input, fileID); err != nil {
			if recErr := recordError(ctx, &result, progress, "file %s failed: %v", fileID, err); recErr != nil {
				return result, recErr
			}
			continue
		}
		if err := recordItem(ctx, &result, progress, "file %s: rebuilt %s pairs", fileID, input.ChunkStrategy); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (h *FilePairGenerator) processFile(ctx context.Context, job models.Job, input models.FilePairGeneratorInput, fileID uuid.UUID) error {
	file, err := h.store.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("get file: %w", err)
	}

	if err := h.store.SoftDeleteFilePairsByFileID(ctx, fileID); err != nil {
		return fmt.Errorf("soft delete prior pairs: %w", err)
	}

	items, err := SplitFile(file.Name, file.Content, input.ChunkStrategy)
	if err != nil {
		return fmt.Errorf("split: %w", err)
	}

	pairs := make([]models.FilePair, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, models.FilePair{
			Base:       models.Base{OwnerID: job.OwnerID, GroupID: job.GroupID},
			FileID:     fileID,
			ChunkIndex: it.ChunkIndex,
			Size:       it.Size,
			Content:    it.Content,
			Summary:    it.Summary,
			Name:       it.Name,
		})
	}
	if _, err := h.store.BulkCreateFilePairs(ctx, pairs); err != nil {
		return fmt.Errorf("bulk insert pairs: %w", err)
	}

	toc := ExtractMarkdownTOC(file.Content)
	catalog, err := json.Marshal(toc)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	if err := h.store.UpdateFileCatalog(ctx, fileID, catalog); err != nil {
		return fmt.Errorf("update catalog: %w", err)
	}

	return runTagGeneratorFlow(ctx, h.store, h.llm, job.ProjectID, job.Locale, input.TOCBuildAction, file.Content, "")
}

// Done performs no type-specific cleanup for this handler.
func (h *FilePairGenerator) Done(ctx context.Context, job models.Job) {}
