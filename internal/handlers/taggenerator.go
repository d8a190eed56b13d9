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

// TagGenerator implements JobType=TagGenerator as a directly dispatchable
// Job, sharing its logic with the sub-flow FilePairGenerator and
// FileDeleteGenerator invoke inline (§9 supplement).
type TagGenerator struct{ base }

func NewTagGenerator(store Store, llm LLMClient, logger *zap.Logger) *TagGenerator {
	return &TagGenerator{base{store: store, llm: llm, logger: logger}}
}

func (h *TagGenerator) Execute(ctx context.Context, job models.Job, progress jobmanager.ProgressFunc) (models.JobResult, error) {
	var input models.TagGeneratorInput
	if err := json.Unmarshal(job.InputBlob, &input); err != nil {
		return models.JobResult{}, fmt.Errorf("decode input_blob: %w", err)
	}

	result := newProgress(1)
	if err := runTagGeneratorFlow(ctx, h.store, h.llm, input.ProjectID, job.Locale, input.TOCBuildAction, input.NewContent, input.DeletedContent); err != nil {
		if recErr := recordError(ctx, &result, progress, "tag reconciliation failed: %v", err); recErr != nil {
			return result, recErr
		}
		return result, err
	}
	if err := recordItem(ctx, &result, progress, "tag forest reconciled (%s)", input.TOCBuildAction); err != nil {
		return result, err
	}
	return result, nil
}

func (h *TagGenerator) Done(ctx context.Context, job models.Job) {}

// proposedTag is the shape the LLM is asked to emit for a fresh tag tree.
type proposedTag struct {
	Name     string        `json:"name"`
	Children []proposedTag `json:"children,omitempty"`
}

// runTagGeneratorFlow reconciles a project's tag forest against a TOC
// rebuild action (§4.2): Keep leaves the forest untouched, Rebuild discards
// and regenerates it from scratch, Revise asks the model for incremental
// additions against the existing forest plus the delta content.
func runTagGeneratorFlow(ctx context.Context, store Store, llm LLMClient, projectID uuid.UUID, locale models.Locale, action models.TOCBuildAction, newContent, deletedContent string) error {
	switch action {
	case models.TOCActionKeep:
		return nil
	case models.TOCActionRebuild:
		return rebuildTagForest(ctx, store, llm, projectID, locale, newContent)
	case models.TOCActionRevise:
		return reviseTagForest(ctx, store, llm, projectID, locale, newContent, deletedContent)
	default:
		return fmt.Errorf("unknown toc_build_action: %q", action)
	}
}

func rebuildTagForest(ctx context.Context, store Store, llm LLMClient, projectID uuid.UUID, locale models.Locale, content string) error {
	if err := store.DeleteTagsByProjectID(ctx, projectID); err != nil {
		return fmt.Errorf("clear tag forest: %w", err)
	}
	if content == "" {
		return nil
	}

	tree, err := proposeTagTree(ctx, llm, locale, content)
	if err != nil {
		return fmt.Errorf("propose tag tree: %w", err)
	}
	return createTagTree(ctx, store, projectID, tree, nil, nil)
}

func reviseTagForest(ctx context.Context, store Store, llm LLMClient, projectID uuid.UUID, locale models.Locale, newContent, deletedContent string) error {
	existing, err := store.ListTagsByProjectID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list existing tags: %w", err)
	}

	existingNames := make([]string, 0, len(existing))
	byName := make(map[string]models.Tag, len(existing))
	for _, t := range existing {
		existingNames = append(existingNames, t.Name)
		byName[t.Name] = t
	}

	additions, err := proposeTagRevisions(ctx, llm, locale, existingNames, newContent, deletedContent)
	if err != nil {
		return fmt.Errorf("propose tag revisions: %w", err)
	}

	for _, add := range additions {
		var parentID *uuid.UUID
		var rootIDs []uuid.UUID
		if add.ParentName != "" {
			parent, ok := byName[add.ParentName]
			if !ok {
				continue
			}
			pid := parent.ID
			parentID = &pid
			rootIDs = append(append([]uuid.UUID{}, parent.RootIDs...), parent.ID)
		}

		created, err := store.CreateTag(ctx, models.Tag{
			ProjectID: projectID,
			ParentID:  parentID,
			RootIDs:   rootIDs,
			Name:      add.Name,
		})
		if err != nil {
			return fmt.Errorf("create tag %q: %w", add.Name, err)
		}
		byName[created.Name] = created
	}
	return nil
}

func createTagTree(ctx context.Context, store Store, projectID uuid.UUID, nodes []proposedTag, parentID *uuid.UUID, rootIDs []uuid.UUID) error {
	for _, n := range nodes {
		created, err := store.CreateTag(ctx, models.Tag{
			ProjectID: projectID,
			ParentID:  parentID,
			RootIDs:   rootIDs,
			Name:      n.Name,
		})
		if err != nil {
			return fmt.Errorf("create tag %q: %w", n.Name, err)
		}
		if len(n.Children) > 0 {
			childRoots := append(append([]uuid.UUID{}, rootIDs...), created.ID)
			cid := created.ID
			if err := createTagTree(ctx, store, projectID, n.Children, &cid, childRoots); err != nil {
				return err
			}
		}
	}
	return nil
}

func proposeTagTree(ctx context.Context, llm LLMClient, locale models.Locale, content string) ([]proposedTag, error) {
	prompt := localizedPrompt(locale,
		fmt.Sprintf("根据以下文档内容构建一个分类标签树，以 JSON 数组形式返回，每个节点包含 name 和可选 children：\n\n%s", content),
		fmt.Sprintf("Build a hierarchical tag tree for the following document. Return a JSON array where each node has \"name\" and optional \"children\":\n\n%s", content),
	)

	resp, err := llm.Chat(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var tree []proposedTag
	if err := llmutil.ExtractJSON(resp, &tree); err != nil {
		return nil, fmt.Errorf("parse tag tree: %w", err)
	}
	return tree, nil
}

// tagRevision is one incremental addition to an existing tag forest.
type tagRevision struct {
	Name       string `json:"name"`
	ParentName string `json:"parent_name,omitempty"`
}

func proposeTagRevisions(ctx context.Context, llm LLMClient, locale models.Locale, existingNames []string, newContent, deletedContent string) ([]tagRevision, error) {
	existingJSON, err := json.Marshal(existingNames)
	if err != nil {
		return nil, err
	}

	prompt := localizedPrompt(locale,
		fmt.Sprintf("现有标签：%s\n新增内容：%s\n删除内容：%s\n请只返回需要新增的标签，JSON 数组，每项包含 name 和可选 parent_name（必须是现有标签之一）。",
			string(existingJSON), newContent, deletedContent),
		fmt.Sprintf("Existing tags: %s\nNew content: %s\nRemoved content: %s\nReturn only the tags that should be added, as a JSON array of {\"name\", \"parent_name\"} (parent_name must reference an existing tag).",
			string(existingJSON), newContent, deletedContent),
	)

	resp, err := llm.Chat(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var revisions []tagRevision
	if err := llmutil.ExtractJSON(resp, &revisions); err != nil {
		return nil, fmt.Errorf("parse tag revisions: %w", err)
	}
	return revisions, nil
}
