package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType is the discriminant for Job.InputBlob (spec §9: each JobType's
// handler decodes the raw JSON blob into its own *Input struct).
type JobType string

const (
	JobTypeFilePairGenerator  JobType = "FilePairGenerator"
	JobTypeFileDeleteGenerator JobType = "FileDeleteGenerator"
	JobTypeGaPairGenerator    JobType = "GaPairGenerator"
	JobTypeTagGenerator       JobType = "TagGenerator"
	JobTypeQuestionGenerator  JobType = "QuestionGenerator"
	JobTypeDatasetGenerator   JobType = "DatasetGenerator"
)

// JobStatus is the Job lifecycle. Failed/Cancel/Success are terminal and
// sticky: no handler may transition out of them.
type JobStatus string

const (
	JobStatusRunning JobStatus = "Running"
	JobStatusFailed  JobStatus = "Failed"
	JobStatusCancel  JobStatus = "Cancel"
	JobStatusSuccess JobStatus = "Success"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusFailed || s == JobStatusCancel || s == JobStatusSuccess
}

// JobProgress tracks done_count <= total; both fields are monotonic
// non-decreasing and frozen once the Job reaches a terminal status.
type JobProgress struct {
	Total     int `json:"total"`
	DoneCount int `json:"done_count"`
}

// JobResult is the uniform result record every handler populates,
// replacing the per-handler ad hoc result shapes of the source system.
type JobResult struct {
	Progress JobProgress `json:"progress"`
	Logs     []string    `json:"logs"`
	Error    string      `json:"error,omitempty"`
}

// AppendLog adds a line with the "[YYYY-MM-DD HH:MM:SS] " prefix mandated by
// spec §3; logs are append-only and must preserve arrival order.
func (r *JobResult) AppendLog(now time.Time, format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", now.Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	r.Logs = append(r.Logs, line)
}

// Job is the unit of work the Job Manager schedules.
type Job struct {
	Base
	Type      JobType         `json:"type" db:"type"`
	Status    JobStatus       `json:"status" db:"status"`
	InputBlob json.RawMessage `json:"input_blob" db:"input_blob"`
	Locale    Locale          `json:"locale" db:"locale"`
	ProjectID uuid.UUID       `json:"project_id" db:"project_id"`
	Result    JobResult       `json:"result" db:"result"`
}

// FilePairGeneratorInput is the typed JobType=FilePairGenerator payload.
type FilePairGeneratorInput struct {
	FileIDs        []uuid.UUID `json:"file_ids"`
	ChunkStrategy  string      `json:"chunk_strategy"` // markdown|recursive|text|token|code
	TOCBuildAction TOCBuildAction `json:"toc_build_action"`
}

// TOCBuildAction selects how the Tag Generator sub-flow reconciles the tag
// forest against a file's table of contents.
type TOCBuildAction string

const (
	TOCActionKeep    TOCBuildAction = "Keep"
	TOCActionRebuild TOCBuildAction = "Rebuild"
	TOCActionRevise  TOCBuildAction = "Revise"
)

// FileDeleteGeneratorInput is the typed JobType=FileDeleteGenerator payload.
type FileDeleteGeneratorInput struct {
	FileID uuid.UUID `json:"file_id"`
}

// GaPairGeneratorInput is the typed JobType=GaPairGenerator payload.
type GaPairGeneratorInput struct {
	FileIDs    []uuid.UUID `json:"file_ids"`
	AppendMode bool        `json:"append_mode"`
}

// TagGeneratorInput is the typed JobType=TagGenerator payload (spec §9
// supplement: TagGenerator is directly dispatchable, not just a sub-flow).
type TagGeneratorInput struct {
	ProjectID      uuid.UUID      `json:"project_id"`
	TOCBuildAction TOCBuildAction `json:"toc_build_action"`
	NewContent     string         `json:"new_content,omitempty"`
	DeletedContent string         `json:"deleted_content,omitempty"`
}

// QuestionGeneratorInput is the typed JobType=QuestionGenerator payload.
type QuestionGeneratorInput struct {
	FilePairIDs            []uuid.UUID `json:"file_pair_ids"`
	RequestedNumber        *int        `json:"requested_number,omitempty"`
	QuestionGenerationLength int       `json:"question_generation_length"`
	UseGAGenerator          bool        `json:"use_ga_generator"`
}

// DatasetGeneratorInput is the typed JobType=DatasetGenerator payload.
type DatasetGeneratorInput struct {
	QuestionIDs []uuid.UUID `json:"question_ids"`
}
