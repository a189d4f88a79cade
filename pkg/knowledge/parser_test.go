package knowledge

import (
	"errors"
	"reflect"
	"testing"
)

func TestParser_FencedAndBareAreEquivalent(t *testing.T) {
	parser := NewResponseParser()
	body := `{"memory_updates": {"bio": "lives in Porto"}, "new_knowledge_items": [{"type": "fact", "content": "moved to Porto", "area": "relationships"}]}`
	fenced := "```json\n" + body + "\n```"

	bare := parser.Parse(body)
	wrapped := parser.Parse(fenced)

	if bare.Status != StatusParsed || wrapped.Status != StatusParsed {
		t.Fatalf("expected both parsed, got %v / %v", bare.Status, wrapped.Status)
	}
	if !reflect.DeepEqual(bare.Payload, wrapped.Payload) {
		t.Fatalf("fenced and bare payloads differ:\n%#v\n%#v", bare.Payload, wrapped.Payload)
	}
	if *bare.Payload.MemoryUpdates.Bio != "lives in Porto" {
		t.Fatalf("unexpected bio: %#v", bare.Payload.MemoryUpdates)
	}
}

func TestParser_MalformedJSONIsParseError(t *testing.T) {
	result := NewResponseParser().Parse(`{"memory_updates": {`)
	if result.Status != StatusParseFailed {
		t.Fatalf("expected parse failure, got %v", result.Status)
	}
	var parseErr *ParseError
	if !errors.As(result.Err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", result.Err)
	}
}

func TestParser_SchemaViolationIsValidationError(t *testing.T) {
	parser := NewResponseParser()

	result := parser.Parse(`[1, 2, 3]`)
	if result.Status != StatusValidationFailed {
		t.Fatalf("expected validation failure for non-object, got %v", result.Status)
	}
	var valErr *ValidationError
	if !errors.As(result.Err, &valErr) {
		t.Fatalf("expected *ValidationError, got %T", result.Err)
	}

	result = parser.Parse(`{"new_knowledge_items": [{"type": "fact", "content": "x", "confidence": 1.4}]}`)
	if result.Status != StatusValidationFailed {
		t.Fatalf("expected validation failure for out-of-range confidence, got %v", result.Status)
	}

	result = parser.Parse(`{"updated_knowledge_items": [{"content": "no id"}]}`)
	if result.Status != StatusValidationFailed {
		t.Fatalf("expected validation failure for missing update id, got %v", result.Status)
	}
}

func TestParser_TypeRemapAndDrop(t *testing.T) {
	parser := NewResponseParser()
	raw := `{"new_knowledge_items": [
		{"type": "challenge", "content": "struggling with deadlines"},
		{"type": "Goal", "content": "run a marathon"},
		{"type": "banana", "content": "nonsense type"},
		{"type": "preference", "content": "prefers mornings"}
	]}`

	result := parser.Parse(raw)
	if result.Status != StatusParsed {
		t.Fatalf("expected parsed, got %v (%v)", result.Status, result.Err)
	}
	items := result.Payload.NewKnowledgeItems
	if len(items) != 3 {
		t.Fatalf("expected unmapped item dropped, got %d items", len(items))
	}
	if items[0].Type != string(ItemInsight) {
		t.Fatalf("challenge should remap to insight, got %q", items[0].Type)
	}
	if items[1].Type != string(ItemFact) {
		t.Fatalf("goal should remap to fact, got %q", items[1].Type)
	}
	if items[2].Type != string(ItemPreference) {
		t.Fatalf("preference should survive unchanged, got %q", items[2].Type)
	}
}

func TestParser_NullsBecomeAbsence(t *testing.T) {
	raw := `{"memory_updates": {"bio": null, "current_goals": ["a", null, "b"]}}`
	result := NewResponseParser().Parse(raw)
	if result.Status != StatusParsed {
		t.Fatalf("expected parsed, got %v (%v)", result.Status, result.Err)
	}
	mu := result.Payload.MemoryUpdates
	if mu.Bio != nil {
		t.Fatalf("null bio should be absent, got %q", *mu.Bio)
	}
	if mu.CurrentGoals == nil || !reflect.DeepEqual(*mu.CurrentGoals, []string{"a", "b"}) {
		t.Fatalf("nulls inside arrays should be filtered: %#v", mu.CurrentGoals)
	}
}

func TestRemoveNulls(t *testing.T) {
	in := map[string]interface{}{
		"a": nil,
		"b": []interface{}{1.0, nil, 2.0},
		"c": map[string]interface{}{"d": nil, "e": "kept"},
	}
	out := RemoveNulls(in).(map[string]interface{})
	if _, ok := out["a"]; ok {
		t.Fatalf("null key survived: %#v", out)
	}
	if !reflect.DeepEqual(out["b"], []interface{}{1.0, 2.0}) {
		t.Fatalf("array nulls survived: %#v", out["b"])
	}
	inner := out["c"].(map[string]interface{})
	if _, ok := inner["d"]; ok || inner["e"] != "kept" {
		t.Fatalf("nested object not rewritten: %#v", inner)
	}
}

func TestStripCodeFence(t *testing.T) {
	if got := StripCodeFence("```json\n{}\n```"); got != "{}" {
		t.Fatalf("fenced: got %q", got)
	}
	if got := StripCodeFence("{}"); got != "{}" {
		t.Fatalf("bare: got %q", got)
	}
	if got := StripCodeFence("```\n{\"a\": 1}\n```"); got != `{"a": 1}` {
		t.Fatalf("untyped fence: got %q", got)
	}
}

func TestParser_EmptyPayloadIsValid(t *testing.T) {
	result := NewResponseParser().Parse(`{}`)
	if result.Status != StatusParsed {
		t.Fatalf("empty object should parse, got %v (%v)", result.Status, result.Err)
	}
	if !result.Payload.MemoryUpdates.ToUpdate().Empty() {
		t.Fatalf("empty payload should produce empty update")
	}
}
