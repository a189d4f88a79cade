package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/memkeep/memkeep/pkg/logger"
	"github.com/memkeep/memkeep/pkg/providers"
)

// Scope limits which existing items a new item is compared against.
type Scope struct {
	Type ItemType
	Area LifeArea
}

// Verdict is one contradiction decision from the detector.
type Verdict struct {
	IsContradiction bool    `json:"is_contradiction"`
	Confidence      float64 `json:"confidence"`
	Explanation     string  `json:"explanation"`
}

// safeVerdict is what every failure path degrades to: detection fails open
// and never blocks the caller.
func safeVerdict(explanation string) Verdict {
	return Verdict{IsContradiction: false, Confidence: 0, Explanation: explanation}
}

// DetectorConfig tunes the LLM round trips.
type DetectorConfig struct {
	Temperature    float64
	MaxTokens      int
	BatchMaxTokens int
}

func (c *DetectorConfig) applyDefaults() {
	if c.Temperature <= 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 500
	}
	if c.BatchMaxTokens <= 0 {
		c.BatchMaxTokens = 1500
	}
}

// Detector asks the LLM whether a new fact invalidates existing ones.
type Detector struct {
	llm providers.LLMProvider
	cfg DetectorConfig
}

func NewDetector(llm providers.LLMProvider, cfg DetectorConfig) *Detector {
	cfg.applyDefaults()
	return &Detector{llm: llm, cfg: cfg}
}

const detectorSystemPrompt = `You compare statements about the same person and decide whether the new
statement contradicts (invalidates) an existing one. A contradiction means both cannot be true at
the same time for the same person; a refinement or addition is not a contradiction.
Return ONLY valid JSON. No markdown, no explanation outside the JSON.`

// CheckContradiction runs a single LLM round trip for one existing statement.
// Provider failures degrade to a no-contradiction verdict.
func (d *Detector) CheckContradiction(ctx context.Context, newContent, existingContent string, scope Scope) Verdict {
	prompt := buildSinglePrompt(newContent, existingContent, scope)

	resp, err := d.llm.Chat(ctx, []providers.Message{
		{Role: "system", Content: detectorSystemPrompt},
		{Role: "user", Content: prompt},
	}, providers.ChatOptions{
		Temperature: providers.Temp(d.cfg.Temperature),
		MaxTokens:   d.cfg.MaxTokens,
	})
	if err != nil {
		logger.WarnCF("contradiction", "Detector call failed, returning safe verdict",
			map[string]interface{}{"error": err.Error()})
		return safeVerdict("detection unavailable")
	}

	return parseSingleVerdict(resp.Content)
}

// BatchCheckContradictions checks newContent against every item. Two or fewer
// items go through sequential single checks; larger scopes use one combined
// call returning per-item verdicts keyed by item id.
func (d *Detector) BatchCheckContradictions(ctx context.Context, newContent string, items []KnowledgeItem, scope Scope) map[string]Verdict {
	verdicts := make(map[string]Verdict, len(items))
	if len(items) == 0 {
		return verdicts
	}

	if len(items) <= 2 {
		for _, item := range items {
			verdicts[item.ID] = d.CheckContradiction(ctx, newContent, item.Content, scope)
		}
		return verdicts
	}

	prompt := buildBatchPrompt(newContent, items, scope)
	resp, err := d.llm.Chat(ctx, []providers.Message{
		{Role: "system", Content: detectorSystemPrompt},
		{Role: "user", Content: prompt},
	}, providers.ChatOptions{
		Temperature: providers.Temp(d.cfg.Temperature),
		MaxTokens:   d.cfg.BatchMaxTokens,
	})
	if err != nil {
		logger.WarnCF("contradiction", "Batch detector call failed, returning safe verdicts",
			map[string]interface{}{"error": err.Error(), "items": len(items)})
		for _, item := range items {
			verdicts[item.ID] = safeVerdict("detection unavailable")
		}
		return verdicts
	}

	return parseBatchVerdicts(resp.Content, items)
}

func buildSinglePrompt(newContent, existingContent string, scope Scope) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Context: both statements are %q items", scope.Type))
	if scope.Area != "" {
		sb.WriteString(fmt.Sprintf(" in the %q life area", scope.Area))
	}
	sb.WriteString(".\n\n")
	sb.WriteString("EXISTING: " + existingContent + "\n")
	sb.WriteString("NEW: " + newContent + "\n\n")
	sb.WriteString(`Respond with: {"is_contradiction": true|false, "confidence": 0.0-1.0, "explanation": "why"}`)
	return sb.String()
}

func buildBatchPrompt(newContent string, items []KnowledgeItem, scope Scope) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Context: all statements are %q items", scope.Type))
	if scope.Area != "" {
		sb.WriteString(fmt.Sprintf(" in the %q life area", scope.Area))
	}
	sb.WriteString(".\n\n")
	sb.WriteString("NEW STATEMENT: " + newContent + "\n\n")
	sb.WriteString("EXISTING STATEMENTS:\n")
	for _, item := range items {
		sb.WriteString(fmt.Sprintf("- item_id %s: %s\n", item.ID, item.Content))
	}
	sb.WriteString("\nFor EVERY existing statement, decide whether the new statement contradicts it.\n")
	sb.WriteString(`Respond with a JSON array: [{"item_id": "...", "is_contradiction": true|false, "confidence": 0.0-1.0, "explanation": "why"}, ...]`)
	return sb.String()
}

func parseSingleVerdict(raw string) Verdict {
	cleaned := StripCodeFence(strings.TrimSpace(raw))

	var v Verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err == nil {
		v.Confidence = ClampConfidence(v.Confidence)
		return v
	}

	if v, ok := extractVerdictFields(cleaned); ok {
		return v
	}
	return safeVerdict("unparseable detector response")
}

type batchVerdictEntry struct {
	ItemID          string  `json:"item_id"`
	IsContradiction bool    `json:"is_contradiction"`
	Confidence      float64 `json:"confidence"`
	Explanation     string  `json:"explanation"`
}

// parseBatchVerdicts tolerates truncated or malformed responses: it tries a
// full JSON array parse, then falls back to per-field regex extraction per
// item. Items with no extractable signal default to "item not analyzed".
func parseBatchVerdicts(raw string, items []KnowledgeItem) map[string]Verdict {
	verdicts := make(map[string]Verdict, len(items))
	cleaned := StripCodeFence(strings.TrimSpace(raw))

	var entries []batchVerdictEntry
	if err := json.Unmarshal([]byte(cleaned), &entries); err == nil {
		byID := make(map[string]batchVerdictEntry, len(entries))
		for _, e := range entries {
			byID[e.ItemID] = e
		}
		for _, item := range items {
			if e, ok := byID[item.ID]; ok {
				verdicts[item.ID] = Verdict{
					IsContradiction: e.IsContradiction,
					Confidence:      ClampConfidence(e.Confidence),
					Explanation:     e.Explanation,
				}
			} else {
				verdicts[item.ID] = safeVerdict("item not analyzed")
			}
		}
		return verdicts
	}

	logger.DebugCF("contradiction", "Batch verdict JSON parse failed, using regex fallback",
		map[string]interface{}{"items": len(items)})

	for _, item := range items {
		idx := strings.Index(cleaned, item.ID)
		if idx < 0 {
			verdicts[item.ID] = safeVerdict("item not analyzed")
			continue
		}
		segment := cleaned[idx:]
		if end := nextItemIDIndex(segment[len(item.ID):], items, item.ID); end >= 0 {
			segment = segment[:len(item.ID)+end]
		}
		if v, ok := extractVerdictFields(segment); ok {
			verdicts[item.ID] = v
		} else {
			verdicts[item.ID] = safeVerdict("item not analyzed")
		}
	}
	return verdicts
}

// nextItemIDIndex finds where the next item's block starts inside segment, so
// field extraction does not bleed across entries.
func nextItemIDIndex(segment string, items []KnowledgeItem, selfID string) int {
	next := -1
	for _, other := range items {
		if other.ID == selfID {
			continue
		}
		if idx := strings.Index(segment, other.ID); idx >= 0 && (next < 0 || idx < next) {
			next = idx
		}
	}
	return next
}

var (
	isContradictionRe = regexp.MustCompile(`"?is_contradiction"?\s*:\s*(true|false)`)
	confidenceRe      = regexp.MustCompile(`"?confidence"?\s*:\s*([0-9]*\.?[0-9]+)`)
	explanationRe     = regexp.MustCompile(`"?explanation"?\s*:\s*"([^"]*)"`)
)

// extractVerdictFields recovers verdict fields from a malformed JSON excerpt.
// Returns ok=false when no field matched at all.
func extractVerdictFields(segment string) (Verdict, bool) {
	boolMatch := isContradictionRe.FindStringSubmatch(segment)
	confMatch := confidenceRe.FindStringSubmatch(segment)
	explMatch := explanationRe.FindStringSubmatch(segment)

	if boolMatch == nil && confMatch == nil && explMatch == nil {
		return Verdict{}, false
	}

	v := Verdict{}
	if boolMatch != nil {
		v.IsContradiction = boolMatch[1] == "true"
	}
	if confMatch != nil {
		if f, err := strconv.ParseFloat(confMatch[1], 64); err == nil {
			v.Confidence = ClampConfidence(f)
		} else {
			v.Confidence = 0.5
		}
	} else {
		v.Confidence = 0.5
	}
	if explMatch != nil {
		v.Explanation = explMatch[1]
	} else {
		v.Explanation = "partial analysis"
	}
	return v, true
}
