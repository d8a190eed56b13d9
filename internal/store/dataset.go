package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// CreateProject inserts a new Project.
func (s *Store) CreateProject(ctx context.Context, project models.Project) (models.Project, error) {
	now := time.Now().UTC()
	project.ID = uuid.New()
	project.CreatedAt, project.UpdatedAt = now, now

	const q = `INSERT INTO projects (id, owner_id, group_id, created_at, updated_at, name) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.db.Pool.Exec(ctx, q, project.ID, project.OwnerID, project.GroupID, project.CreatedAt, project.UpdatedAt, project.Name)
	if err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

// CreateFile inserts a new File under a Project.
func (s *Store) CreateFile(ctx context.Context, file models.File) (models.File, error) {
	now := time.Now().UTC()
	file.ID = uuid.New()
	file.CreatedAt, file.UpdatedAt = now, now

	const q = `
		INSERT INTO files (id, owner_id, group_id, created_at, updated_at, project_id, name, content, catalog)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := s.db.Pool.Exec(ctx, q, file.ID, file.OwnerID, file.GroupID, file.CreatedAt, file.UpdatedAt, file.ProjectID, file.Name, file.Content, file.Catalog)
	if err != nil {
		return models.File{}, fmt.Errorf("insert file: %w", err)
	}
	return file, nil
}

// GetFile fetches a live File by id.
func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (models.File, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at, project_id, name, content, catalog
		FROM files WHERE id = $1 AND deleted_at IS NULL
	`
	var f models.File
	err := s.db.Pool.QueryRow(ctx, q, id).Scan(&f.ID, &f.OwnerID, &f.GroupID, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt, &f.ProjectID, &f.Name, &f.Content, &f.Catalog)
	if err != nil {
		return models.File{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// UpdateFileCatalog rewrites a File's TOC extraction, rebuilt whenever its
// FilePairs regenerate (§4.2 FilePairGenerator step 4).
func (s *Store) UpdateFileCatalog(ctx context.Context, id uuid.UUID, catalog json.RawMessage) error {
	const q = `UPDATE files SET catalog = $2, updated_at = $3 WHERE id = $1`
	_, err := s.db.Pool.Exec(ctx, q, id, catalog, time.Now().UTC())
	return err
}

// SoftDeleteFilePairsByFileID marks every live FilePair under a File
// deleted, the first step of both "regenerate" and "delete file" flows.
func (s *Store) SoftDeleteFilePairsByFileID(ctx context.Context, fileID uuid.UUID) error {
	const q = `UPDATE file_pairs SET deleted_at = $2, updated_at = $2 WHERE file_id = $1 AND deleted_at IS NULL`
	_, err := s.db.Pool.Exec(ctx, q, fileID, time.Now().UTC())
	return err
}

// BulkCreateFilePairs inserts the chunks produced by a split strategy in one
// round trip.
func (s *Store) BulkCreateFilePairs(ctx context.Context, pairs []models.FilePair) ([]models.FilePair, error) {
	now := time.Now().UTC()
	const q = `
		INSERT INTO file_pairs (id, owner_id, group_id, created_at, updated_at, file_id, chunk_index, size, content, summary, name, question_id_list)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	batch := &batchExec{}
	for i := range pairs {
		pairs[i].ID = uuid.New()
		pairs[i].CreatedAt, pairs[i].UpdatedAt = now, now
		p := pairs[i]
		batch.queue(q, p.ID, p.OwnerID, p.GroupID, p.CreatedAt, p.UpdatedAt, p.FileID, p.ChunkIndex, p.Size, p.Content, p.Summary, p.Name, p.QuestionIDList)
	}
	if err := batch.run(ctx, s.db.Pool); err != nil {
		return nil, fmt.Errorf("bulk insert file pairs: %w", err)
	}
	return pairs, nil
}

// GetFilePair fetches a live FilePair by id.
func (s *Store) GetFilePair(ctx context.Context, id uuid.UUID) (models.FilePair, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at, file_id, chunk_index, size, content, summary, name, question_id_list
		FROM file_pairs WHERE id = $1 AND deleted_at IS NULL
	`
	var fp models.FilePair
	err := s.db.Pool.QueryRow(ctx, q, id).Scan(&fp.ID, &fp.OwnerID, &fp.GroupID, &fp.CreatedAt, &fp.UpdatedAt, &fp.DeletedAt, &fp.FileID, &fp.ChunkIndex, &fp.Size, &fp.Content, &fp.Summary, &fp.Name, &fp.QuestionIDList)
	if err != nil {
		return models.FilePair{}, fmt.Errorf("get file pair: %w", err)
	}
	return fp, nil
}

// AppendFilePairQuestionID appends a newly generated Question's id onto its
// parent FilePair's QuestionIDList.
func (s *Store) AppendFilePairQuestionID(ctx context.Context, filePairID, questionID uuid.UUID) error {
	const q = `UPDATE file_pairs SET question_id_list = array_append(question_id_list, $2), updated_at = $3 WHERE id = $1`
	_, err := s.db.Pool.Exec(ctx, q, filePairID, questionID, time.Now().UTC())
	return err
}

// BulkDeleteGAPairsByFileID removes all GAPairs for a file (replace mode).
func (s *Store) BulkDeleteGAPairsByFileID(ctx context.Context, fileID uuid.UUID) error {
	const q = `DELETE FROM ga_pairs WHERE file_id = $1`
	_, err := s.db.Pool.Exec(ctx, q, fileID)
	return err
}

// ListGAPairsByFileID lists the existing (genre, audience) pairs for a
// file, used to skip duplicates in append mode.
func (s *Store) ListGAPairsByFileID(ctx context.Context, fileID uuid.UUID) ([]models.GAPair, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at, file_id, genre_title, genre_description, audience_title, audience_description
		FROM ga_pairs WHERE file_id = $1
	`
	rows, err := s.db.Pool.Query(ctx, q, fileID)
	if err != nil {
		return nil, fmt.Errorf("list ga pairs: %w", err)
	}
	defer rows.Close()

	var pairs []models.GAPair
	for rows.Next() {
		var p models.GAPair
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.GroupID, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt, &p.FileID, &p.GenreTitle, &p.GenreDescription, &p.AudienceTitle, &p.AudienceDescription); err != nil {
			return nil, fmt.Errorf("scan ga pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// BulkCreateGAPairs inserts newly generated (genre, audience) pairs.
func (s *Store) BulkCreateGAPairs(ctx context.Context, pairs []models.GAPair) ([]models.GAPair, error) {
	now := time.Now().UTC()
	const q = `
		INSERT INTO ga_pairs (id, owner_id, group_id, created_at, updated_at, file_id, genre_title, genre_description, audience_title, audience_description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	batch := &batchExec{}
	for i := range pairs {
		pairs[i].ID = uuid.New()
		pairs[i].CreatedAt, pairs[i].UpdatedAt = now, now
		p := pairs[i]
		batch.queue(q, p.ID, p.OwnerID, p.GroupID, p.CreatedAt, p.UpdatedAt, p.FileID, p.GenreTitle, p.GenreDescription, p.AudienceTitle, p.AudienceDescription)
	}
	if err := batch.run(ctx, s.db.Pool); err != nil {
		return nil, fmt.Errorf("bulk insert ga pairs: %w", err)
	}
	return pairs, nil
}

// CreateQuestion inserts a generated Question, optionally with an embedded
// GAPair snapshot and a labeled tag.
func (s *Store) CreateQuestion(ctx context.Context, question models.Question) (models.Question, error) {
	now := time.Now().UTC()
	question.ID = uuid.New()
	question.CreatedAt, question.UpdatedAt = now, now

	gaPairJSON, err := json.Marshal(question.GAPair)
	if err != nil {
		return models.Question{}, fmt.Errorf("marshal ga pair snapshot: %w", err)
	}

	const q = `
		INSERT INTO questions (id, owner_id, group_id, created_at, updated_at, file_pair_id, content, tag_id, ga_pair, has_dataset)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err = s.db.Pool.Exec(ctx, q, question.ID, question.OwnerID, question.GroupID, question.CreatedAt, question.UpdatedAt, question.FilePairID, question.Content, question.TagID, gaPairJSON, question.HasDataset)
	if err != nil {
		return models.Question{}, fmt.Errorf("insert question: %w", err)
	}
	return question, nil
}

// GetQuestion fetches a live Question by id, with its embedded GAPair
// snapshot if present.
func (s *Store) GetQuestion(ctx context.Context, id uuid.UUID) (models.Question, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at, file_pair_id, content, tag_id, ga_pair, has_dataset
		FROM questions WHERE id = $1 AND deleted_at IS NULL
	`
	var question models.Question
	var gaPairJSON []byte
	err := s.db.Pool.QueryRow(ctx, q, id).Scan(&question.ID, &question.OwnerID, &question.GroupID, &question.CreatedAt, &question.UpdatedAt, &question.DeletedAt, &question.FilePairID, &question.Content, &question.TagID, &gaPairJSON, &question.HasDataset)
	if err != nil {
		return models.Question{}, fmt.Errorf("get question: %w", err)
	}
	if len(gaPairJSON) > 0 && string(gaPairJSON) != "null" {
		question.GAPair = &models.GAPair{}
		if err := json.Unmarshal(gaPairJSON, question.GAPair); err != nil {
			return models.Question{}, fmt.Errorf("unmarshal ga pair snapshot: %w", err)
		}
	}
	return question, nil
}

// MarkQuestionHasDataset flips has_dataset once a Dataset row is created
// for this question.
func (s *Store) MarkQuestionHasDataset(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE questions SET has_dataset = true, updated_at = $2 WHERE id = $1`
	_, err := s.db.Pool.Exec(ctx, q, id, time.Now().UTC())
	return err
}

// BulkDeleteQuestionsByIDs soft-deletes the questions named by ids. Per
// DESIGN.md's recorded fix to spec §9's open question, this filters on the
// provided id list directly rather than (incorrectly) on file_pair_ids.
func (s *Store) BulkDeleteQuestionsByIDs(ctx context.Context, ids []uuid.UUID) error {
	const q = `UPDATE questions SET deleted_at = $2, updated_at = $2 WHERE id = ANY($1) AND deleted_at IS NULL`
	_, err := s.db.Pool.Exec(ctx, q, ids, time.Now().UTC())
	return err
}

// CreateDataset inserts a materialized Q/A (with optional CoT) for a
// Question.
func (s *Store) CreateDataset(ctx context.Context, dataset models.Dataset) (models.Dataset, error) {
	now := time.Now().UTC()
	dataset.ID = uuid.New()
	dataset.CreatedAt, dataset.UpdatedAt = now, now

	const q = `
		INSERT INTO datasets (id, owner_id, group_id, created_at, updated_at, question_id, instruction, input, answer, cot)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := s.db.Pool.Exec(ctx, q, dataset.ID, dataset.OwnerID, dataset.GroupID, dataset.CreatedAt, dataset.UpdatedAt, dataset.QuestionID, dataset.Instruction, dataset.Input, dataset.Answer, dataset.CoT)
	if err != nil {
		return models.Dataset{}, fmt.Errorf("insert dataset: %w", err)
	}
	return dataset, nil
}

// ListDatasetsByIDs fetches the Dataset rows a DatasetVersion materializes.
func (s *Store) ListDatasetsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Dataset, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at, question_id, instruction, input, answer, cot
		FROM datasets WHERE id = ANY($1) AND deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []models.Dataset
	for rows.Next() {
		var d models.Dataset
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.GroupID, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt, &d.QuestionID, &d.Instruction, &d.Input, &d.Answer, &d.CoT); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

// CreateTag inserts a node in a project's tag forest.
func (s *Store) CreateTag(ctx context.Context, tag models.Tag) (models.Tag, error) {
	now := time.Now().UTC()
	tag.ID = uuid.New()
	tag.CreatedAt, tag.UpdatedAt = now, now

	const q = `
		INSERT INTO tags (id, owner_id, group_id, created_at, updated_at, project_id, parent_id, root_ids, name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := s.db.Pool.Exec(ctx, q, tag.ID, tag.OwnerID, tag.GroupID, tag.CreatedAt, tag.UpdatedAt, tag.ProjectID, tag.ParentID, tag.RootIDs, tag.Name)
	if err != nil {
		return models.Tag{}, fmt.Errorf("insert tag: %w", err)
	}
	return tag, nil
}

// ListTagsByProjectID returns the full live tag forest for a project.
func (s *Store) ListTagsByProjectID(ctx context.Context, projectID uuid.UUID) ([]models.Tag, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at, project_id, parent_id, root_ids, name
		FROM tags WHERE project_id = $1 AND deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.GroupID, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt, &t.ProjectID, &t.ParentID, &t.RootIDs, &t.Name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// DeleteTagsByProjectID hard-removes every tag in a project, the first step
// of a Rebuild (full regeneration replaces the forest wholesale).
func (s *Store) DeleteTagsByProjectID(ctx context.Context, projectID uuid.UUID) error {
	const q = `DELETE FROM tags WHERE project_id = $1`
	_, err := s.db.Pool.Exec(ctx, q, projectID)
	return err
}

// CreateDatasetVersion persists the immutable, file-materialized dataset
// view. FilePath points at the on-disk JSONL under StorageConfig's
// DatasetVersionDir.
func (s *Store) CreateDatasetVersion(ctx context.Context, version models.DatasetVersion) (models.DatasetVersion, error) {
	now := time.Now().UTC()
	version.ID = uuid.New()
	version.CreatedAt, version.UpdatedAt = now, now

	const q = `
		INSERT INTO dataset_versions (id, owner_id, group_id, created_at, updated_at, project_id, dataset_type, dataset_ids, output_with_cot, file_path)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := s.db.Pool.Exec(ctx, q, version.ID, version.OwnerID, version.GroupID, version.CreatedAt, version.UpdatedAt, version.ProjectID, version.DatasetType, version.DatasetIDs, version.OutputWithCoT, version.FilePath)
	if err != nil {
		return models.DatasetVersion{}, fmt.Errorf("insert dataset version: %w", err)
	}
	return version, nil
}

// GetDatasetVersion fetches a live DatasetVersion by id, used by the
// Fine-Tune Orchestrator's Create step to embed a snapshot (§4.4.2).
func (s *Store) GetDatasetVersion(ctx context.Context, id uuid.UUID) (models.DatasetVersion, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       project_id, dataset_type, dataset_ids, output_with_cot, file_path
		FROM dataset_versions WHERE id = $1 AND deleted_at IS NULL
	`
	var v models.DatasetVersion
	err := s.db.Pool.QueryRow(ctx, q, id).Scan(
		&v.ID, &v.OwnerID, &v.GroupID, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
		&v.ProjectID, &v.DatasetType, &v.DatasetIDs, &v.OutputWithCoT, &v.FilePath,
	)
	if err != nil {
		return models.DatasetVersion{}, fmt.Errorf("get dataset version: %w", err)
	}
	return v, nil
}

// SetDatasetVersionFilePath records the on-disk JSONL path once the
// materializer has written it.
func (s *Store) SetDatasetVersionFilePath(ctx context.Context, id uuid.UUID, filePath string) error {
	const q = `UPDATE dataset_versions SET file_path = $2, updated_at = $3 WHERE id = $1`
	_, err := s.db.Pool.Exec(ctx, q, id, filePath, time.Now().UTC())
	return err
}

// CascadeDeleteFile soft-deletes a File and, per spec §9's explicit
// per-relation cascading delete, every FilePair/Question/Dataset/GAPair
// beneath it. The caller (FileDeleteGenerator) then runs the Tag Generator
// flow itself; this method only touches rows.
func (s *Store) CascadeDeleteFile(ctx context.Context, fileID uuid.UUID) error {
	now := time.Now().UTC()

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cascade delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE datasets SET deleted_at = $2, updated_at = $2
		WHERE question_id IN (SELECT id FROM questions WHERE file_pair_id IN (SELECT id FROM file_pairs WHERE file_id = $1))
		  AND deleted_at IS NULL
	`, fileID, now); err != nil {
		return fmt.Errorf("cascade delete datasets: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE questions SET deleted_at = $2, updated_at = $2
		WHERE file_pair_id IN (SELECT id FROM file_pairs WHERE file_id = $1) AND deleted_at IS NULL
	`, fileID, now); err != nil {
		return fmt.Errorf("cascade delete questions: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE file_pairs SET deleted_at = $2, updated_at = $2 WHERE file_id = $1 AND deleted_at IS NULL`, fileID, now); err != nil {
		return fmt.Errorf("cascade delete file pairs: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM ga_pairs WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("cascade delete ga pairs: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE files SET deleted_at = $2, updated_at = $2 WHERE id = $1`, fileID, now); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}

	return tx.Commit(ctx)
}
