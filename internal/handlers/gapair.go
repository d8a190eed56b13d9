package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crosslogic/finetune-control-plane/internal/jobmanager"
	llmutil "github.com/crosslogic/finetune-control-plane/internal/llm"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GaPairGenerator implements JobType=GaPairGenerator (§4.2): per file id,
// either replace or append to the file's (genre, audience) conditioning
// pairs, asking the LLM to propose pairs from the file content.
type GaPairGenerator struct{ base }

func NewGaPairGenerator(store Store, llm LLMClient, logger *zap.Logger) *GaPairGenerator {
	return &GaPairGenerator{base{store: store, llm: llm, logger: logger}}
}

func (h *GaPairGenerator) Execute(ctx context.Context, job models.Job, progress jobmanager.ProgressFunc) (models.JobResult, error) {
	var input models.GaPairGeneratorInput
	if err := json.Unmarshal(job.InputBlob, &input); err != nil {
		return models.JobResult{}, fmt.Errorf("decode input_blob: %w", err)
	}

	result := newProgress(len(input.FileIDs))

	for _, fileID := range input.FileIDs {
		n, err := h.processFile(ctx, job, input, fileID)
		if err != nil {
			if recErr := recordError(ctx, &result, progress, "file %s failed: %v", fileID, err); recErr != nil {
				return result, recErr
			}
			continue
		}
		if err := recordItem(ctx, &result, progress, "file %s: generated %d GA pairs", fileID, n); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (h *GaPairGenerator) processFile(ctx context.Context, job models.Job, input models.GaPairGeneratorInput, fileID uuid.UUID) (int, error) {
	file, err := h.store.GetFile(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("get file: %w", err)
	}

	proposed, err := proposeGAPairs(ctx, h.llm, job.Locale, file.Content)
	if err != nil {
		return 0, fmt.Errorf("propose ga pairs: %w", err)
	}

	pairs := make([]models.GAPair, 0, len(proposed))
	for _, p := range proposed {
		pairs = append(pairs, models.GAPair{
			Base:                models.Base{OwnerID: job.OwnerID, GroupID: job.GroupID},
			FileID:              fileID,
			GenreTitle:          p.GenreTitle,
			GenreDescription:    p.GenreDescription,
			AudienceTitle:       p.AudienceTitle,
			AudienceDescription: p.AudienceDescription,
		})
	}

	if input.AppendMode {
		existing, err := h.store.ListGAPairsByFileID(ctx, fileID)
		if err != nil {
			return 0, fmt.Errorf("list existing ga pairs: %w", err)
		}
		existingKeys := make(map[gaPairKey]struct{}, len(existing))
		for _, e := range existing {
			existingKeys[gaPairKeyOf(e)] = struct{}{}
		}

		deduped := pairs[:0]
		for _, p := range pairs {
			if _, ok := existingKeys[gaPairKeyOf(p)]; ok {
				continue
			}
			deduped = append(deduped, p)
		}
		pairs = deduped
	} else {
		if err := h.store.BulkDeleteGAPairsByFileID(ctx, fileID); err != nil {
			return 0, fmt.Errorf("clear prior ga pairs: %w", err)
		}
	}

	if len(pairs) == 0 {
		return 0, nil
	}
	created, err := h.store.BulkCreateGAPairs(ctx, pairs)
	if err != nil {
		return 0, fmt.Errorf("bulk insert ga pairs: %w", err)
	}
	return len(created), nil
}

// gaPairKey is the (genre, audience) quadruple append mode dedups on,
// matching the original generator's existing_keys set.
type gaPairKey struct {
	GenreTitle          string
	GenreDescription    string
	AudienceTitle       string
	AudienceDescription string
}

func gaPairKeyOf(p models.GAPair) gaPairKey {
	return gaPairKey{
		GenreTitle:          p.GenreTitle,
		GenreDescription:    p.GenreDescription,
		AudienceTitle:       p.AudienceTitle,
		AudienceDescription: p.AudienceDescription,
	}
}

func (h *GaPairGenerator) Done(ctx context.Context, job models.Job) {}

type proposedGAPair struct {
	GenreTitle          string `json:"genre_title"`
	GenreDescription    string `json:"genre_description"`
	AudienceTitle       string `json:"audience_title"`
	AudienceDescription string `json:"audience_description"`
}

func proposeGAPairs(ctx context.Context, llm LLMClient, locale models.Locale, content string) ([]proposedGAPair, error) {
	prompt := localizedPrompt(locale,
		fmt.Sprintf("阅读以下文档，提出多组适合的（体裁，受众）条件对，以 JSON 数组返回，每项包含 genre_title, genre_description, audience_title, audience_description：\n\n%s", content),
		fmt.Sprintf("Read the following document and propose several (genre, audience) conditioning pairs. Return a JSON array of objects with genre_title, genre_description, audience_title, audience_description:\n\n%s", content),
	)

	resp, err := llm.Chat(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var pairs []proposedGAPair
	if err := llmutil.ExtractJSON(resp, &pairs); err != nil {
		return nil, fmt.Errorf("parse ga pairs: %w", err)
	}
	return pairs, nil
}
