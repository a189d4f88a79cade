package knowledge

import (
	"fmt"
	"strings"
	"testing"
)

func TestPromptBuilder_Deterministic(t *testing.T) {
	b := NewPromptBuilder()
	messages := []ConversationMessage{
		{Role: "user", Content: "I started a new job at Globex", CreatedAtMS: 1700000000000},
		{Role: "assistant", Content: "Congratulations!", CreatedAtMS: 1700000060000},
	}
	memory := UserMemory{Bio: "engineer", CurrentGoals: []string{"ship v2"}}
	items := []KnowledgeItem{
		{ID: "ki-1", Type: ItemFact, Area: AreaCareer, Confidence: 0.9, Content: "works at acme"},
	}

	first := b.Build(messages, memory, items)
	second := b.Build(messages, memory, items)
	if first != second {
		t.Fatalf("prompt must be deterministic for identical inputs")
	}

	for _, want := range []string{
		"=== CURRENT MEMORY PROFILE ===",
		"Bio: engineer",
		"Current goals: ship v2",
		"[ki-1] (fact/career, confidence 0.90) works at acme",
		"user: I started a new job at Globex",
		"=== OUTPUT FORMAT ===",
	} {
		if !strings.Contains(first, want) {
			t.Fatalf("prompt missing %q:\n%s", want, first)
		}
	}
}

func TestPromptBuilder_EmptyInputsRenderPlaceholders(t *testing.T) {
	prompt := NewPromptBuilder().Build(nil, UserMemory{}, nil)

	for _, want := range []string{
		"(no memory profile yet)",
		"(no knowledge items yet)",
		"(no messages in this window)",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing placeholder %q", want)
		}
	}
}

func TestPromptBuilder_ChristianPerspectiveAloneRendersProfile(t *testing.T) {
	prompt := NewPromptBuilder().Build(nil, UserMemory{ChristianPerspective: true}, nil)

	if strings.Contains(prompt, "(no memory profile yet)") {
		t.Fatalf("profile with the flag set must not render as blank:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Christian perspective: yes") {
		t.Fatalf("prompt missing the perspective flag:\n%s", prompt)
	}
}

func TestPromptBuilder_CapsKnowledgeContext(t *testing.T) {
	items := make([]KnowledgeItem, MaxKnowledgeContext+20)
	for i := range items {
		items[i] = KnowledgeItem{
			ID:   fmt.Sprintf("ki-%03d", i),
			Type: ItemFact, Confidence: 0.9,
			Content: fmt.Sprintf("fact %d", i),
		}
	}

	prompt := NewPromptBuilder().Build(nil, UserMemory{}, items)
	if !strings.Contains(prompt, "[ki-099]") {
		t.Fatalf("item inside the cap missing")
	}
	if strings.Contains(prompt, "[ki-100]") {
		t.Fatalf("items beyond the cap must not render")
	}
}

func TestPromptBuilder_UnscopedAreaRendersGeneral(t *testing.T) {
	items := []KnowledgeItem{{ID: "ki-1", Type: ItemFact, Confidence: 0.5, Content: "x"}}
	prompt := NewPromptBuilder().Build(nil, UserMemory{}, items)
	if !strings.Contains(prompt, "(fact/general, confidence 0.50)") {
		t.Fatalf("empty area should render as general:\n%s", prompt)
	}
}
