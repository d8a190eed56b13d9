// Package handlers implements the Pipeline Handlers (§4.2): one Job
// Manager Handler per JobType, sharing the structure of parsing
// input_blob, initializing JobResult{total}, looping with log+progress
// persistence after each item.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/jobmanager"
	"github.com/crosslogic/finetune-control-plane/internal/llm"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LLMClient is the narrow LLM Client Facade surface the handlers need.
// Satisfied directly by *internal/llm.Client.
type LLMClient interface {
	Chat(ctx context.Context, prompt string) (string, error)
	ChatCoT(ctx context.Context, prompt string) (llm.ChatCoTResult, error)
}

// Store is the persistence surface every Pipeline Handler needs. Satisfied
// by *internal/store.Store.
type Store interface {
	GetFile(ctx context.Context, id uuid.UUID) (models.File, error)
	UpdateFileCatalog(ctx context.Context, id uuid.UUID, catalog json.RawMessage) error
	SoftDeleteFilePairsByFileID(ctx context.Context, fileID uuid.UUID) error
	BulkCreateFilePairs(ctx context.Context, pairs []models.FilePair) ([]models.FilePair, error)
	GetFilePair(ctx context.Context, id uuid.UUID) (models.FilePair, error)
	AppendFilePairQuestionID(ctx context.Context, filePairID, questionID uuid.UUID) error

	ListGAPairsByFileID(ctx context.Context, fileID uuid.UUID) ([]models.GAPair, error)
	BulkDeleteGAPairsByFileID(ctx context.Context, fileID uuid.UUID) error
	BulkCreateGAPairs(ctx context.Context, pairs []models.GAPair) ([]models.GAPair, error)

	CreateQuestion(ctx context.Context, question models.Question) (models.Question, error)
	GetQuestion(ctx context.Context, id uuid.UUID) (models.Question, error)
	MarkQuestionHasDataset(ctx context.Context, id uuid.UUID) error

	CreateDataset(ctx context.Context, dataset models.Dataset) (models.Dataset, error)

	CreateTag(ctx context.Context, tag models.Tag) (models.Tag, error)
	ListTagsByProjectID(ctx context.Context, projectID uuid.UUID) ([]models.Tag, error)
	DeleteTagsByProjectID(ctx context.Context, projectID uuid.UUID) error

	CascadeDeleteFile(ctx context.Context, fileID uuid.UUID) error
}

// base holds what every handler shares.
type base struct {
	store  Store
	llm    LLMClient
	logger *zap.Logger
}

func newProgress(total int) models.JobResult {
	return models.JobResult{Progress: models.JobProgress{Total: total}}
}

// recordItem appends a log line, bumps done_count, and persists via the
// job manager's progress callback — the "initialize JobResult{total},
// loop emitting logs and incrementing done_count, persist after each item"
// structure common to every handler (§4.2).
func recordItem(ctx context.Context, result *models.JobResult, progress jobmanager.ProgressFunc, format string, args ...interface{}) error {
	result.Progress.DoneCount++
	result.AppendLog(time.Now().UTC(), format, args...)
	return progress(ctx, *result)
}

func recordError(ctx context.Context, result *models.JobResult, progress jobmanager.ProgressFunc, format string, args ...interface{}) error {
	result.AppendLog(time.Now().UTC(), format, args...)
	return progress(ctx, *result)
}

func localizedPrompt(locale models.Locale, zh, en string) string {
	if locale == models.LocaleZH {
		return zh
	}
	return en
}
