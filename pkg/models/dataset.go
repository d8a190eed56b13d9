package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Project is the top-level container a user submits source documents into.
type Project struct {
	Base
	Name string `json:"name" db:"name"`
}

// File is a source document ingested into a Project.
type File struct {
	Base
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`
	Name      string    `json:"name" db:"name"`
	Content   string    `json:"content" db:"content"`
	// Catalog is the markdown TOC extraction (§4.2 FilePairGenerator step 4),
	// rebuilt whenever the file's FilePairs are regenerated.
	Catalog json.RawMessage `json:"catalog,omitempty" db:"catalog"`
}

// FilePair is a chunk of a File produced by the configured split strategy.
type FilePair struct {
	Base
	FileID         uuid.UUID   `json:"file_id" db:"file_id"`
	ChunkIndex     int         `json:"chunk_index" db:"chunk_index"`
	Size           int         `json:"size" db:"size"`
	Content        string      `json:"content" db:"content"`
	Summary        string      `json:"summary" db:"summary"`
	Name           string      `json:"name" db:"name"`
	QuestionIDList []uuid.UUID `json:"question_id_list" db:"question_id_list"`
}

// GAPair is a (genre, audience) pair that conditions prompt generation.
type GAPair struct {
	Base
	FileID              uuid.UUID `json:"file_id" db:"file_id"`
	GenreTitle          string    `json:"genre_title" db:"genre_title"`
	GenreDescription    string    `json:"genre_description" db:"genre_description"`
	AudienceTitle       string    `json:"audience_title" db:"audience_title"`
	AudienceDescription string    `json:"audience_description" db:"audience_description"`
}

// Question is a generated Q/A prompt tied to a FilePair, optionally
// conditioned by a GAPair snapshot and labeled with a Tag.
type Question struct {
	Base
	FilePairID uuid.UUID `json:"file_pair_id" db:"file_pair_id"`
	Content    string    `json:"content" db:"content"`
	TagID      *uuid.UUID `json:"tag_id,omitempty" db:"tag_id"`
	GAPair     *GAPair   `json:"ga_pair,omitempty" db:"ga_pair"`
	HasDataset bool      `json:"has_dataset" db:"has_dataset"`
}

// HasQuestion normalizes the open question in spec §9: a FilePair's
// QuestionIDList is treated identically whether stored as NULL or as an
// empty slice/string — both mean "no questions yet".
func (fp FilePair) HasQuestion() bool {
	return len(fp.QuestionIDList) > 0
}

// Dataset is a materialized answer (with optional chain-of-thought) for a
// Question.
type Dataset struct {
	Base
	QuestionID uuid.UUID `json:"question_id" db:"question_id"`
	Instruction string   `json:"instruction" db:"instruction"`
	Input      string    `json:"input" db:"input"`
	Answer     string    `json:"answer" db:"answer"`
	CoT        string    `json:"cot,omitempty" db:"cot"`
}

// Tag is a node in the per-project tag forest; RootIDs is the denormalized
// ancestor chain used for fast lookups without a recursive query.
type Tag struct {
	Base
	ProjectID uuid.UUID   `json:"project_id" db:"project_id"`
	ParentID  *uuid.UUID  `json:"parent_id,omitempty" db:"parent_id"`
	RootIDs   []uuid.UUID `json:"root_ids" db:"root_ids"`
	Name      string      `json:"name" db:"name"`
}

// DatasetVersion is an immutable, file-materialized view of a selected set
// of Dataset rows, keyed by training stage.
type DatasetVersion struct {
	Base
	ProjectID   uuid.UUID   `json:"project_id" db:"project_id"`
	DatasetType DatasetType `json:"dataset_type" db:"dataset_type"`
	DatasetIDs  []uuid.UUID `json:"dataset_ids" db:"dataset_ids"`
	// OutputWithCoT controls JSONL materialization per §6: when true and a
	// Dataset has a non-empty CoT, the output field is wrapped
	// "<think>{cot}<\think>\n{answer}".
	OutputWithCoT bool   `json:"output_with_cot" db:"output_with_cot"`
	FilePath      string `json:"file_path" db:"file_path"`
}

// DatasetType enumerates the training stages a DatasetVersion can target.
// Per DESIGN.md's recorded decision on spec §9's open question, only SFT
// has an implemented materialization path; the others are modeled for data
// fidelity but rejected at creation time.
type DatasetType string

const (
	DatasetTypeSFT DatasetType = "SFT"
	DatasetTypePT  DatasetType = "PT"
	DatasetTypeDPO DatasetType = "DPO"
	DatasetTypeKTO DatasetType = "KTO"
)
