package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/crosslogic/finetune-control-plane/internal/llm"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// fakeStore is an in-memory stand-in for *internal/store.Store, covering
// only what the handler tests exercise.
type fakeStore struct {
	mu sync.Mutex

	files       map[uuid.UUID]models.File
	filePairs   map[uuid.UUID]models.FilePair
	gaPairs     map[uuid.UUID][]models.GAPair
	questions   map[uuid.UUID]models.Question
	datasets    []models.Dataset
	tags        map[uuid.UUID][]models.Tag
	deletedFile []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:     make(map[uuid.UUID]models.File),
		filePairs: make(map[uuid.UUID]models.FilePair),
		gaPairs:   make(map[uuid.UUID][]models.GAPair),
		questions: make(map[uuid.UUID]models.Question),
		tags:      make(map[uuid.UUID][]models.Tag),
	}
}

func (s *fakeStore) GetFile(ctx context.Context, id uuid.UUID) (models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return models.File{}, fmt.Errorf("file %s not found", id)
	}
	return f, nil
}

func (s *fakeStore) UpdateFileCatalog(ctx context.Context, id uuid.UUID, catalog json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[id]
	f.Catalog = catalog
	s.files[id] = f
	return nil
}

func (s *fakeStore) SoftDeleteFilePairsByFileID(ctx context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, fp := range s.filePairs {
		if fp.FileID == fileID {
			delete(s.filePairs, id)
		}
	}
	return nil
}

func (s *fakeStore) BulkCreateFilePairs(ctx context.Context, pairs []models.FilePair) ([]models.FilePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FilePair, 0, len(pairs))
	for _, p := range pairs {
		p.ID = uuid.New()
		s.filePairs[p.ID] = p
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) GetFilePair(ctx context.Context, id uuid.UUID) (models.FilePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.filePairs[id]
	if !ok {
		return models.FilePair{}, fmt.Errorf("file pair %s not found", id)
	}
	return fp, nil
}

func (s *fakeStore) AppendFilePairQuestionID(ctx context.Context, filePairID, questionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp := s.filePairs[filePairID]
	fp.QuestionIDList = append(fp.QuestionIDList, questionID)
	s.filePairs[filePairID] = fp
	return nil
}

func (s *fakeStore) ListGAPairsByFileID(ctx context.Context, fileID uuid.UUID) ([]models.GAPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaPairs[fileID], nil
}

func (s *fakeStore) BulkDeleteGAPairsByFileID(ctx context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.gaPairs, fileID)
	return nil
}

func (s *fakeStore) BulkCreateGAPairs(ctx context.Context, pairs []models.GAPair) ([]models.GAPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.GAPair, 0, len(pairs))
	for _, p := range pairs {
		p.ID = uuid.New()
		out = append(out, p)
		if len(out) > 0 {
			s.gaPairs[p.FileID] = append(s.gaPairs[p.FileID], p)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateQuestion(ctx context.Context, question models.Question) (models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	question.ID = uuid.New()
	s.questions[question.ID] = question
	return question, nil
}

func (s *fakeStore) GetQuestion(ctx context.Context, id uuid.UUID) (models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return models.Question{}, fmt.Errorf("question %s not found", id)
	}
	return q, nil
}

func (s *fakeStore) MarkQuestionHasDataset(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.questions[id]
	q.HasDataset = true
	s.questions[id] = q
	return nil
}

func (s *fakeStore) CreateDataset(ctx context.Context, dataset models.Dataset) (models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dataset.ID = uuid.New()
	s.datasets = append(s.datasets, dataset)
	return dataset, nil
}

func (s *fakeStore) CreateTag(ctx context.Context, tag models.Tag) (models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag.ID = uuid.New()
	s.tags[tag.ProjectID] = append(s.tags[tag.ProjectID], tag)
	return tag, nil
}

func (s *fakeStore) ListTagsByProjectID(ctx context.Context, projectID uuid.UUID) ([]models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[projectID], nil
}

func (s *fakeStore) DeleteTagsByProjectID(ctx context.Context, projectID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, projectID)
	return nil
}

func (s *fakeStore) CascadeDeleteFile(ctx context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedFile = append(s.deletedFile, fileID)
	delete(s.files, fileID)
	return nil
}

// fakeLLM is a scripted stand-in for *internal/llm.Client: it returns
// canned JSON for Chat and a fixed answer/CoT pair for ChatCoT. chatQueue,
// when set, is consumed one response per Chat call (in order) so tests can
// script a handler's sequence of distinct LLM calls (e.g. propose-then-label);
// chatResponse is the fallback once the queue is exhausted or unset.
type fakeLLM struct {
	chatResponse string
	chatQueue    []string
	chatCalls    int
	cotAnswer    string
	cotThought   string
}

func (f *fakeLLM) Chat(ctx context.Context, prompt string) (string, error) {
	defer func() { f.chatCalls++ }()
	if f.chatCalls < len(f.chatQueue) {
		return f.chatQueue[f.chatCalls], nil
	}
	return f.chatResponse, nil
}

func (f *fakeLLM) ChatCoT(ctx context.Context, prompt string) (llm.ChatCoTResult, error) {
	return llm.ChatCoTResult{Answer: f.cotAnswer, CoT: f.cotThought}, nil
}

func noopProgress(ctx context.Context, result models.JobResult) error { return nil }
