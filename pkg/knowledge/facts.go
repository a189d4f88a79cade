package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/memkeep/memkeep/pkg/logger"
)

// DefaultFactConfidence applies when the caller does not provide one.
const DefaultFactConfidence = 0.9

// AddFactInput is the fact-creation request consumed by the tool layer and
// the consolidation pipeline.
type AddFactInput struct {
	Type                   ItemType
	Content                string
	Area                   LifeArea
	Title                  string
	Confidence             *float64
	Source                 ItemSource
	SourceRef              string
	InferenceEvidence      []string
	Tags                   []string
	SkipContradictionCheck bool
}

// SupersededInfo reports which existing item the added fact invalidated.
type SupersededInfo struct {
	Item       KnowledgeItem `json:"item"`
	Reason     string        `json:"reason"`
	Confidence float64       `json:"confidence"`
}

// AddFactResult is the add() outcome: the created item plus the superseded
// block when a contradiction was resolved.
type AddFactResult struct {
	Item       KnowledgeItem   `json:"item"`
	Superseded *SupersededInfo `json:"superseded,omitempty"`
}

// FactService implements the fact API on top of the item store and the
// contradiction resolution service.
type FactService struct {
	store      ItemStore
	resolution *Resolution
}

func NewFactService(store ItemStore, resolution *Resolution) *FactService {
	return &FactService{store: store, resolution: resolution}
}

// Add creates a knowledge item, first checking whether it contradicts an
// active same-scope item. The new item always persists; on a contradiction
// above threshold the old item is conditionally superseded by the new one.
func (s *FactService) Add(ctx context.Context, userID string, in AddFactInput) (AddFactResult, error) {
	if strings.TrimSpace(in.Content) == "" {
		return AddFactResult{}, fmt.Errorf("fact content is required")
	}
	if in.Source == "" {
		in.Source = SourceUserInput
	}
	confidence := DefaultFactConfidence
	if in.Confidence != nil {
		confidence = ClampConfidence(*in.Confidence)
	}

	var check CheckResult
	if !in.SkipContradictionCheck {
		var err error
		check, err = s.resolution.CheckBeforeAdd(ctx, userID, in.Content, in.Type, in.Area)
		if err != nil {
			return AddFactResult{}, err
		}
	}

	sourceRef := in.SourceRef
	if sourceRef == "" && len(in.InferenceEvidence) > 0 {
		if data, err := json.Marshal(in.InferenceEvidence); err == nil {
			sourceRef = "evidence:" + string(data)
		}
	}

	item, err := s.store.CreateItem(ctx, KnowledgeItem{
		UserID:     userID,
		Type:       in.Type,
		Area:       in.Area,
		Title:      in.Title,
		Content:    in.Content,
		Confidence: confidence,
		Source:     in.Source,
		SourceRef:  sourceRef,
		Tags:       in.Tags,
	})
	if err != nil {
		return AddFactResult{}, err
	}

	result := AddFactResult{Item: item}
	if check.ShouldSupersede != nil {
		old := *check.ShouldSupersede
		if err := s.resolution.Resolve(ctx, userID, old.ID, item.ID, check.Explanation); err != nil {
			// The new fact is already durable; a failed supersede must not
			// undo it.
			logger.ErrorCF("facts", "Supersede after add failed", map[string]interface{}{
				"user_id": userID, "old_item": old.ID, "new_item": item.ID, "error": err.Error(),
			})
		} else {
			result.Superseded = &SupersededInfo{
				Item:       old,
				Reason:     check.Explanation,
				Confidence: check.Confidence,
			}
		}
	}
	return result, nil
}

// SearchQuery narrows fact searches from the tool layer.
type SearchQuery struct {
	Query string
	Type  ItemType
	Area  LifeArea
	Limit int
}

// Search returns active facts matching the query, most recent first.
func (s *FactService) Search(ctx context.Context, userID string, q SearchQuery) ([]KnowledgeItem, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	return s.store.SearchItems(ctx, userID, ItemFilter{
		Query: q.Query,
		Type:  q.Type,
		Area:  q.Area,
		Limit: limit,
	})
}

// Validate marks a fact as user-confirmed: validatedByUser=true and
// confidence raised to 1.
func (s *FactService) Validate(ctx context.Context, userID, id string) (KnowledgeItem, error) {
	validated := true
	confidence := 1.0
	return s.store.UpdateItem(ctx, userID, id, ItemUpdate{
		ValidatedByUser: &validated,
		Confidence:      &confidence,
	})
}

// ToolResult is the structured envelope handed to tool callers; raw provider
// or store errors never cross this boundary.
type ToolResult struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Item       *KnowledgeItem  `json:"item,omitempty"`
	Superseded *SupersededInfo `json:"superseded,omitempty"`
	Items      []KnowledgeItem `json:"items,omitempty"`
}

// AddTool wraps Add for tool callers.
func (s *FactService) AddTool(ctx context.Context, userID string, in AddFactInput) ToolResult {
	result, err := s.Add(ctx, userID, in)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}
	return ToolResult{Success: true, Item: &result.Item, Superseded: result.Superseded}
}

// SearchTool wraps Search for tool callers.
func (s *FactService) SearchTool(ctx context.Context, userID string, q SearchQuery) ToolResult {
	items, err := s.Search(ctx, userID, q)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}
	return ToolResult{Success: true, Items: items}
}
