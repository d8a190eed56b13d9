// Package datasetversion materializes an immutable DatasetVersion to a
// JSONL file on disk (§6), the on-disk artifact the Fine-Tune
// Orchestrator's Initialize step (§4.4.3) later stages onto remote nodes.
package datasetversion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// Store is the persistence surface the materializer needs.
type Store interface {
	ListDatasetsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Dataset, error)
	CreateDatasetVersion(ctx context.Context, version models.DatasetVersion) (models.DatasetVersion, error)
	SetDatasetVersionFilePath(ctx context.Context, id uuid.UUID, filePath string) error
}

// sftRecord is the SFT-stage JSONL record shape (§6): one JSON object per
// line, fields instruction/input/output.
type sftRecord struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// Request describes the DatasetVersion to materialize.
type Request struct {
	OwnerID       uuid.UUID
	GroupID       uuid.UUID
	ProjectID     uuid.UUID
	DatasetType   models.DatasetType
	DatasetIDs    []uuid.UUID
	OutputWithCoT bool
}

// Materialize creates the DatasetVersion row and writes its JSONL file
// under versionDir/<version_id>.jsonl. Per DESIGN.md's recorded decision on
// spec §9's open question, only SFT is implemented; other DatasetTypes are
// rejected rather than silently mismaterialized.
func Materialize(ctx context.Context, store Store, versionDir string, req Request) (models.DatasetVersion, error) {
	if req.DatasetType != models.DatasetTypeSFT {
		return models.DatasetVersion{}, fmt.Errorf("dataset type %s is not implemented: only SFT is materializable", req.DatasetType)
	}

	datasets, err := store.ListDatasetsByIDs(ctx, req.DatasetIDs)
	if err != nil {
		return models.DatasetVersion{}, fmt.Errorf("list datasets: %w", err)
	}

	version, err := store.CreateDatasetVersion(ctx, models.DatasetVersion{
		Base:          models.Base{OwnerID: req.OwnerID, GroupID: req.GroupID},
		ProjectID:     req.ProjectID,
		DatasetType:   req.DatasetType,
		DatasetIDs:    req.DatasetIDs,
		OutputWithCoT: req.OutputWithCoT,
	})
	if err != nil {
		return models.DatasetVersion{}, fmt.Errorf("create dataset version: %w", err)
	}

	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return models.DatasetVersion{}, fmt.Errorf("create dataset version dir: %w", err)
	}
	filePath := filepath.Join(versionDir, version.ID.String()+".jsonl")

	f, err := os.Create(filePath)
	if err != nil {
		return models.DatasetVersion{}, fmt.Errorf("create jsonl file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, d := range datasets {
		output := d.Answer
		if req.OutputWithCoT && d.CoT != "" {
			output = fmt.Sprintf("<think>%s<\\think>\n%s", d.CoT, d.Answer)
		}
		if err := enc.Encode(sftRecord{Instruction: d.Instruction, Input: d.Input, Output: output}); err != nil {
			return models.DatasetVersion{}, fmt.Errorf("encode jsonl record: %w", err)
		}
	}

	if err := store.SetDatasetVersionFilePath(ctx, version.ID, filePath); err != nil {
		return models.DatasetVersion{}, fmt.Errorf("set dataset version file path: %w", err)
	}
	version.FilePath = filePath
	return version, nil
}
