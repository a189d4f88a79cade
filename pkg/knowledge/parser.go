package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseStatus tags the outcome of parsing a consolidation response. Expected,
// frequent failure modes are values the orchestrator branches on, not
// exceptions it fishes out of error chains.
type ParseStatus int

const (
	StatusParsed ParseStatus = iota
	StatusParseFailed
	StatusValidationFailed
)

// ParseResult is the tagged outcome of ResponseParser.Parse.
type ParseResult struct {
	Status  ParseStatus
	Payload *ConsolidationPayload
	Raw     string
	Err     error // *ParseError or *ValidationError when Status != StatusParsed
}

// ConsolidationPayload is the structured consolidation output expected from
// the LLM. Optional fields are absent, never null; Parse rewrites nulls away
// before decoding.
type ConsolidationPayload struct {
	MemoryUpdates         *MemoryUpdatesPayload `json:"memory_updates,omitempty"`
	NewKnowledgeItems     []NewItemPayload      `json:"new_knowledge_items,omitempty"`
	UpdatedKnowledgeItems []ItemUpdatePayload   `json:"updated_knowledge_items,omitempty"`
}

// MemoryUpdatesPayload is a sparse profile patch: nil means "not mentioned",
// and only present keys overwrite profile fields.
type MemoryUpdatesPayload struct {
	Bio                  *string           `json:"bio,omitempty"`
	Occupation           *string           `json:"occupation,omitempty"`
	FamilyContext        *string           `json:"family_context,omitempty"`
	CurrentGoals         *[]string         `json:"current_goals,omitempty"`
	CurrentChallenges    *[]string         `json:"current_challenges,omitempty"`
	TopOfMind            *[]string         `json:"top_of_mind,omitempty"`
	Values               *[]string         `json:"values,omitempty"`
	LearnedPatterns      *[]LearnedPattern `json:"learned_patterns,omitempty"`
	CommunicationStyle   *string           `json:"communication_style,omitempty"`
	FeedbackPreferences  *string           `json:"feedback_preferences,omitempty"`
	ChristianPerspective *bool             `json:"christian_perspective,omitempty"`
}

// ToUpdate converts the payload patch into the store's sparse update shape.
func (p *MemoryUpdatesPayload) ToUpdate() MemoryUpdate {
	if p == nil {
		return MemoryUpdate{}
	}
	return MemoryUpdate{
		Bio:                  p.Bio,
		Occupation:           p.Occupation,
		FamilyContext:        p.FamilyContext,
		CurrentGoals:         p.CurrentGoals,
		CurrentChallenges:    p.CurrentChallenges,
		TopOfMind:            p.TopOfMind,
		Values:               p.Values,
		LearnedPatterns:      p.LearnedPatterns,
		CommunicationStyle:   p.CommunicationStyle,
		FeedbackPreferences:  p.FeedbackPreferences,
		ChristianPerspective: p.ChristianPerspective,
	}
}

// NewItemPayload describes one knowledge item the LLM extracted.
type NewItemPayload struct {
	Type              string   `json:"type"`
	Area              string   `json:"area,omitempty"`
	Title             string   `json:"title,omitempty"`
	Content           string   `json:"content"`
	Confidence        *float64 `json:"confidence,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	InferenceEvidence []string `json:"inference_evidence,omitempty"`
}

// ItemUpdatePayload patches an existing item: content (optionally with
// confidence), or confidence alone.
type ItemUpdatePayload struct {
	ID         string   `json:"id"`
	Content    *string  `json:"content,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// typeRemap maps item types the LLM invents to the closest real one. Types
// with no mapping cause that single item to be dropped, not the whole batch.
var typeRemap = map[string]ItemType{
	"challenge":   ItemInsight,
	"goal":        ItemFact,
	"observation": ItemInsight,
	"note":        ItemFact,
}

// ResponseParser turns raw LLM text into a validated ConsolidationPayload.
type ResponseParser struct{}

func NewResponseParser() *ResponseParser { return &ResponseParser{} }

// Parse strips markdown fences, decodes JSON, rewrites nulls to absence,
// normalizes item types and validates the result.
func (p *ResponseParser) Parse(raw string) ParseResult {
	cleaned := StripCodeFence(strings.TrimSpace(raw))

	var decoded interface{}
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return ParseResult{
			Status: StatusParseFailed,
			Raw:    raw,
			Err:    &ParseError{Raw: raw, Err: err},
		}
	}

	decoded = RemoveNulls(decoded)

	obj, ok := decoded.(map[string]interface{})
	if !ok {
		return ParseResult{
			Status: StatusValidationFailed,
			Raw:    raw,
			Err:    &ValidationError{Issues: []string{"payload must be a JSON object"}},
		}
	}

	normalizeNewItemTypes(obj)

	normalized, err := json.Marshal(obj)
	if err != nil {
		return ParseResult{
			Status: StatusValidationFailed,
			Raw:    raw,
			Err:    &ValidationError{Issues: []string{fmt.Sprintf("re-encode payload: %v", err)}},
		}
	}

	var payload ConsolidationPayload
	if err := json.Unmarshal(normalized, &payload); err != nil {
		return ParseResult{
			Status: StatusValidationFailed,
			Raw:    raw,
			Err:    &ValidationError{Issues: []string{fmt.Sprintf("payload shape: %v", err)}},
		}
	}

	if issues := validatePayload(&payload); len(issues) > 0 {
		return ParseResult{
			Status: StatusValidationFailed,
			Raw:    raw,
			Err:    &ValidationError{Issues: issues},
		}
	}

	return ParseResult{Status: StatusParsed, Payload: &payload, Raw: raw}
}

// StripCodeFence removes a leading/trailing markdown code block wrapper
// (```json ... ```).
func StripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// RemoveNulls recursively rewrites null leaves to absence: objects drop
// null-valued keys, arrays filter out null entries.
func RemoveNulls(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			if elem == nil {
				continue
			}
			out[k] = RemoveNulls(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, elem := range val {
			if elem == nil {
				continue
			}
			out = append(out, RemoveNulls(elem))
		}
		return out
	default:
		return v
	}
}

// normalizeNewItemTypes rewrites unknown item types via the remap table and
// drops single items whose type has no mapping.
func normalizeNewItemTypes(obj map[string]interface{}) {
	rawItems, ok := obj["new_knowledge_items"].([]interface{})
	if !ok {
		return
	}

	kept := make([]interface{}, 0, len(rawItems))
	for _, rawItem := range rawItems {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := item["type"].(string)
		typ = strings.ToLower(strings.TrimSpace(typ))
		if IsValidItemType(ItemType(typ)) {
			item["type"] = typ
			kept = append(kept, item)
			continue
		}
		if mapped, ok := typeRemap[typ]; ok {
			item["type"] = string(mapped)
			kept = append(kept, item)
			continue
		}
		// No mapping: drop this item only.
	}
	obj["new_knowledge_items"] = kept
}

func validatePayload(p *ConsolidationPayload) []string {
	var issues []string

	for i, item := range p.NewKnowledgeItems {
		if strings.TrimSpace(item.Content) == "" {
			issues = append(issues, fmt.Sprintf("new_knowledge_items[%d]: content is required", i))
		}
		if item.Area != "" && !IsValidLifeArea(LifeArea(item.Area)) {
			issues = append(issues, fmt.Sprintf("new_knowledge_items[%d]: unknown area %q", i, item.Area))
		}
		if item.Confidence != nil && (*item.Confidence < 0 || *item.Confidence > 1) {
			issues = append(issues, fmt.Sprintf("new_knowledge_items[%d]: confidence %v outside [0,1]", i, *item.Confidence))
		}
	}

	for i, upd := range p.UpdatedKnowledgeItems {
		if strings.TrimSpace(upd.ID) == "" {
			issues = append(issues, fmt.Sprintf("updated_knowledge_items[%d]: id is required", i))
		}
		if upd.Confidence != nil && (*upd.Confidence < 0 || *upd.Confidence > 1) {
			issues = append(issues, fmt.Sprintf("updated_knowledge_items[%d]: confidence %v outside [0,1]", i, *upd.Confidence))
		}
	}

	if p.MemoryUpdates != nil && p.MemoryUpdates.LearnedPatterns != nil {
		for i, pat := range *p.MemoryUpdates.LearnedPatterns {
			if strings.TrimSpace(pat.Pattern) == "" {
				issues = append(issues, fmt.Sprintf("memory_updates.learned_patterns[%d]: pattern is required", i))
			}
			if pat.Confidence < 0 || pat.Confidence > 1 {
				issues = append(issues, fmt.Sprintf("memory_updates.learned_patterns[%d]: confidence %v outside [0,1]", i, pat.Confidence))
			}
		}
	}

	return issues
}
