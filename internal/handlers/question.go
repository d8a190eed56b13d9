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

// QuestionGenerator implements JobType=QuestionGenerator (§4.2): per
// FilePair, ask the LLM for a batch of questions (optionally conditioned by
// the file's GA pairs), persist each Question, and append its id onto the
// owning FilePair's question_id_list.
type QuestionGenerator struct{ base }

func NewQuestionGenerator(store Store, llm LLMClient, logger *zap.Logger) *QuestionGenerator {
	return &QuestionGenerator{base{store: store, llm: llm, logger: logger}}
}

const defaultQuestionsPerPair = 3

func (h *QuestionGenerator) Execute(ctx context.Context, job models.Job, progress jobmanager.ProgressFunc) (models.JobResult, error) {
	var input models.QuestionGeneratorInput
	if err := json.Unmarshal(job.InputBlob, &input); err != nil {
		return models.JobResult{}, fmt.Errorf("decode input_blob: %w", err)
	}

	requested := defaultQuestionsPerPair
	if input.RequestedNumber != nil {
		requested = *input.RequestedNumber
	}

	result := newProgress(len(input.FilePairIDs))

	for _, fpID := range input.FilePairIDs {
		n, err := h.processFilePair(ctx, job, input, fpID, requested)
		if err != nil {
			if recErr := recordError(ctx, &result, progress, "file pair %s failed: %v", fpID, err); recErr != nil {
				return result, recErr
			}
			continue
		}
		if err := recordItem(ctx, &result, progress, "file pair %s: generated %d questions", fpID, n); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (h *QuestionGenerator) processFilePair(ctx context.Context, job models.Job, input models.QuestionGeneratorInput, fpID uuid.UUID, requested int) (int, error) {
	fp, err := h.store.GetFilePair(ctx, fpID)
	if err != nil {
		return 0, fmt.Errorf("get file pair: %w", err)
	}

	var gaPairs []models.GAPair
	if input.UseGAGenerator {
		gaPairs, err = h.store.ListGAPairsByFileID(ctx, fp.FileID)
		if err != nil {
			return 0, fmt.Errorf("list ga pairs: %w", err)
		}
	}

	if len(gaPairs) == 0 {
		gaPairs = []models.GAPair{{}}
	}

	tags, err := h.store.ListTagsByProjectID(ctx, job.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("list tags: %w", err)
	}
	tagByName := make(map[string]models.Tag, len(tags))
	for _, t := range tags {
		tagByName[t.Name] = t
	}

	count := 0
	for _, ga := range gaPairs {
		questions, err := proposeQuestions(ctx, h.llm, job.Locale, fp.Content, ga, requested, input.QuestionGenerationLength)
		if err != nil {
			return count, fmt.Errorf("propose questions: %w", err)
		}
		if len(questions) == 0 {
			continue
		}

		labeled, err := labelQuestions(ctx, h.llm, job.Locale, tags, questions)
		if err != nil {
			return count, fmt.Errorf("label questions: %w", err)
		}

		for _, lq := range labeled {
			if lq.Question == "" {
				continue
			}

			var gaSnapshot *models.GAPair
			if ga.GenreTitle != "" || ga.AudienceTitle != "" {
				gaCopy := ga
				gaSnapshot = &gaCopy
			}

			var tagID *uuid.UUID
			if tag, ok := tagByName[lq.Label]; ok {
				id := tag.ID
				tagID = &id
			}

			created, err := h.store.CreateQuestion(ctx, models.Question{
				Base:       models.Base{OwnerID: job.OwnerID, GroupID: job.GroupID},
				FilePairID: fpID,
				Content:    lq.Question,
				TagID:      tagID,
				GAPair:     gaSnapshot,
			})
			if err != nil {
				return count, fmt.Errorf("create question: %w", err)
			}
			if err := h.store.AppendFilePairQuestionID(ctx, fpID, created.ID); err != nil {
				return count, fmt.Errorf("append question to file pair: %w", err)
			}
			count++
		}
	}
	return count, nil
}

func (h *QuestionGenerator) Done(ctx context.Context, job models.Job) {}

func proposeQuestions(ctx context.Context, llm LLMClient, locale models.Locale, content string, ga models.GAPair, count, targetLength int) ([]string, error) {
	condition := ""
	if ga.GenreTitle != "" {
		condition = localizedPrompt(locale,
			fmt.Sprintf("请以体裁「%s」和受众「%s」为条件生成问题。", ga.GenreTitle, ga.AudienceTitle),
			fmt.Sprintf("Condition the questions on genre %q and audience %q.", ga.GenreTitle, ga.AudienceTitle),
		)
	}

	prompt := localizedPrompt(locale,
		fmt.Sprintf("根据以下内容生成 %d 个问题（每个约 %d 字），%s 以 JSON 字符串数组返回：\n\n%s", count, targetLength, condition, content),
		fmt.Sprintf("Generate %d questions (each around %d characters) from the following content. %s Return a JSON array of strings:\n\n%s", count, targetLength, condition, content),
	)

	resp, err := llm.Chat(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var questions []string
	if err := llmutil.ExtractJSON(resp, &questions); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	return questions, nil
}

// labeledQuestion is one entry of the tag-labeling LLM call's response: the
// (possibly rewritten) question text paired with the tag name the model
// chose from the project's tag forest.
type labeledQuestion struct {
	Question string `json:"question"`
	Label    string `json:"label"`
}

// labelQuestions runs the second, tag-labeling LLM call (§4.2
// QuestionGenerator step 2): given the proposed questions and the
// project's tag forest, ask the model to annotate each question with the
// tag it best fits.
func labelQuestions(ctx context.Context, llm LLMClient, locale models.Locale, tags []models.Tag, questions []string) ([]labeledQuestion, error) {
	tagNames := make([]string, 0, len(tags))
	for _, t := range tags {
		tagNames = append(tagNames, t.Name)
	}

	tagsJSON, err := json.Marshal(tagNames)
	if err != nil {
		return nil, err
	}
	questionsJSON, err := json.Marshal(questions)
	if err != nil {
		return nil, err
	}

	prompt := localizedPrompt(locale,
		fmt.Sprintf("可选标签：%s\n问题列表：%s\n请为每个问题从可选标签中选择最匹配的一个，以 JSON 数组返回，每项包含 question 和 label（若无匹配标签则 label 为空字符串）。",
			string(tagsJSON), string(questionsJSON)),
		fmt.Sprintf("Available tags: %s\nQuestions: %s\nFor each question, pick the single best-matching tag from the available tags. Return a JSON array of {\"question\", \"label\"} (label is an empty string if nothing matches).",
			string(tagsJSON), string(questionsJSON)),
	)

	resp, err := llm.Chat(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var labeled []labeledQuestion
	if err := llmutil.ExtractJSON(resp, &labeled); err != nil {
		return nil, fmt.Errorf("parse labeled questions: %w", err)
	}
	return labeled, nil
}
