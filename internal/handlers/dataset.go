package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/jobmanager"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DatasetGenerator implements JobType=DatasetGenerator (§4.2): per
// Question id, ask the LLM for an answer (with chain-of-thought where the
// model provides one), materialize a Dataset row, and flip the Question's
// has_dataset flag.
type DatasetGenerator struct{ base }

func NewDatasetGenerator(store Store, llm LLMClient, logger *zap.Logger) *DatasetGenerator {
	return &DatasetGenerator{base{store: store, llm: llm, logger: logger}}
}

func (h *DatasetGenerator) Execute(ctx context.Context, job models.Job, progress jobmanager.ProgressFunc) (models.JobResult, error) {
	var input models.DatasetGeneratorInput
	if err := json.Unmarshal(job.InputBlob, &input); err != nil {
		return models.JobResult{}, fmt.Errorf("decode input_blob: %w", err)
	}

	result := newProgress(len(input.QuestionIDs))

	for _, qID := range input.QuestionIDs {
		if err := h.processQuestion(ctx, job, qID, &result, progress); err != nil {
			if recErr := recordError(ctx, &result, progress, "question %s failed: %v", qID, err); recErr != nil {
				return result, recErr
			}
			continue
		}
		if err := recordItem(ctx, &result, progress, "question %s: dataset materialized", qID); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (h *DatasetGenerator) processQuestion(ctx context.Context, job models.Job, qID uuid.UUID, result *models.JobResult, progress jobmanager.ProgressFunc) error {
	question, err := h.store.GetQuestion(ctx, qID)
	if err != nil {
		return fmt.Errorf("get question: %w", err)
	}

	filePair, err := h.store.GetFilePair(ctx, question.FilePairID)
	if err != nil {
		return fmt.Errorf("get file pair: %w", err)
	}

	gaPairs, err := h.store.ListGAPairsByFileID(ctx, filePair.FileID)
	if err != nil {
		return fmt.Errorf("list ga pairs: %w", err)
	}

	// An "enhanced" (MGA-conditioned) answer prompt is used whenever either
	// the question carries its own GAPair snapshot or the file has any
	// GA pairs at all; otherwise fall back to the standard prompt
	// (§4.2 DatasetGenerator).
	prompt := answerPrompt(job.Locale, filePair.Content, question.Content, question.GAPair, gaPairs)

	chat, err := h.llm.ChatCoT(ctx, prompt)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	cot := chat.CoT
	if cot != "" {
		optimizePrompt := localizedPrompt(job.Locale,
			fmt.Sprintf("问题：%s\n答案：%s\n思维链：%s\n请优化以上思维链，使其更清晰、更有条理，只返回优化后的思维链文本。", question.Content, chat.Answer, chat.CoT),
			fmt.Sprintf("Question: %s\nAnswer: %s\nChain of thought: %s\nOptimize the chain of thought above to be clearer and better structured. Return only the optimized chain-of-thought text.", question.Content, chat.Answer, chat.CoT),
		)
		optimized, optErr := h.llm.ChatCoT(ctx, optimizePrompt)
		if optErr != nil {
			result.AppendLog(time.Now().UTC(), "question %s: cot optimization failed, keeping raw cot: %v", qID, optErr)
		} else {
			cot = optimized.Answer
			if cot == "" {
				cot = optimized.CoT
			}
		}
	}

	if _, err := h.store.CreateDataset(ctx, models.Dataset{
		Base:        models.Base{OwnerID: job.OwnerID, GroupID: job.GroupID},
		QuestionID:  qID,
		Instruction: question.Content,
		Answer:      chat.Answer,
		CoT:         cot,
	}); err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}

	if err := h.store.MarkQuestionHasDataset(ctx, qID); err != nil {
		return fmt.Errorf("mark has_dataset: %w", err)
	}

	return nil
}

func (h *DatasetGenerator) Done(ctx context.Context, job models.Job) {}

// answerPrompt selects §4.2's "enhanced" vs "standard" answer prompt: the
// enhanced form is used whenever a GAPair conditions this question, either
// as its own persisted snapshot or because the owning file has any ga
// pairs at all (the first one is used).
func answerPrompt(locale models.Locale, fileContent, question string, gaSnapshot *models.GAPair, gaPairs []models.GAPair) string {
	if gaSnapshot != nil || len(gaPairs) > 0 {
		condition := gaSnapshot
		if condition == nil && len(gaPairs) > 0 {
			condition = &gaPairs[0]
		}
		return localizedPrompt(locale,
			fmt.Sprintf("参考内容：%s\n问题：%s\n体裁：%s\n受众：%s\n请结合体裁与受众生成详尽答案。", fileContent, question, condition.GenreTitle, condition.AudienceTitle),
			fmt.Sprintf("Reference content: %s\nQuestion: %s\nGenre: %s\nAudience: %s\nAnswer the question, tailored to the given genre and audience.", fileContent, question, condition.GenreTitle, condition.AudienceTitle),
		)
	}
	return localizedPrompt(locale,
		fmt.Sprintf("参考内容：%s\n问题：%s\n请生成详尽答案。", fileContent, question),
		fmt.Sprintf("Reference content: %s\nQuestion: %s\nAnswer the question.", fileContent, question),
	)
}
