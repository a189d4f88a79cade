package knowledge

import (
	"fmt"
	"strings"
	"time"
)

// MaxKnowledgeContext caps how many existing items render into the prompt to
// bound prompt size.
const MaxKnowledgeContext = 100

// ConsolidationSystemPrompt instructs the LLM to return structured JSON only.
const ConsolidationSystemPrompt = `You are a memory consolidation assistant for a personal conversational companion.
You analyze recent conversation messages and fold durable knowledge about the user
into a structured profile and a granular fact store.
Return ONLY a valid JSON object. No markdown, no explanation. Start with { and end with }.`

// PromptBuilder deterministically templates messages, memory and knowledge
// into the consolidation prompt. No side effects, no I/O.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build renders the consolidation user prompt. Empty inputs render explicit
// placeholders so the LLM always receives a well-formed instruction block.
// existingItems is capped at MaxKnowledgeContext, oldest first.
func (b *PromptBuilder) Build(messages []ConversationMessage, memory UserMemory, existingItems []KnowledgeItem) string {
	var sb strings.Builder

	sb.WriteString("Analyze the recent conversation messages below and produce consolidation output.\n\n")

	sb.WriteString("=== CURRENT MEMORY PROFILE ===\n")
	b.writeMemorySection(&sb, memory)
	sb.WriteString("\n")

	sb.WriteString("=== EXISTING KNOWLEDGE ITEMS ===\n")
	b.writeKnowledgeSection(&sb, existingItems)
	sb.WriteString("\n")

	sb.WriteString("=== RECENT MESSAGES ===\n")
	b.writeMessagesSection(&sb, messages)
	sb.WriteString("\n")

	sb.WriteString("=== OUTPUT FORMAT ===\n")
	sb.WriteString("Return a JSON object with these optional keys:\n")
	sb.WriteString("- \"memory_updates\": object with only the profile fields that changed. Fields:\n")
	sb.WriteString("  bio, occupation, family_context (strings); current_goals, current_challenges,\n")
	sb.WriteString("  top_of_mind, values (string arrays); learned_patterns (array of\n")
	sb.WriteString("  {\"pattern\": string, \"confidence\": 0.0-1.0, \"evidence\": string[]});\n")
	sb.WriteString("  communication_style, feedback_preferences (strings); christian_perspective (bool)\n")
	sb.WriteString("- \"new_knowledge_items\": array of newly learned facts. Each item:\n")
	sb.WriteString(fmt.Sprintf("  \"type\": one of %s\n", joinItemTypes()))
	sb.WriteString(fmt.Sprintf("  \"area\": optional, one of %s\n", joinLifeAreas()))
	sb.WriteString("  \"title\": short label; \"content\": the fact itself\n")
	sb.WriteString("  \"confidence\": 0.0-1.0; \"tags\": optional string array\n")
	sb.WriteString("  \"inference_evidence\": for insights, the message evidence supporting the inference\n")
	sb.WriteString("- \"updated_knowledge_items\": array of corrections to EXISTING items, each\n")
	sb.WriteString("  {\"id\": existing item id, \"content\": optional new text, \"confidence\": optional 0.0-1.0}\n\n")

	sb.WriteString("RULES:\n")
	sb.WriteString("1. Only durable knowledge; skip pleasantries and one-off logistics\n")
	sb.WriteString("2. Omit keys with nothing to report; never emit null values\n")
	sb.WriteString("3. Prefer updating an existing item over creating a duplicate\n")
	sb.WriteString("4. confidence >= 0.8 for explicit statements, 0.5-0.8 for inferences\n")

	return sb.String()
}

func (b *PromptBuilder) writeMemorySection(sb *strings.Builder, memory UserMemory) {
	if memoryIsBlank(memory) {
		sb.WriteString("(no memory profile yet)\n")
		return
	}
	writeField(sb, "Bio", memory.Bio)
	writeField(sb, "Occupation", memory.Occupation)
	writeField(sb, "Family context", memory.FamilyContext)
	writeListField(sb, "Current goals", memory.CurrentGoals)
	writeListField(sb, "Current challenges", memory.CurrentChallenges)
	writeListField(sb, "Top of mind", memory.TopOfMind)
	writeListField(sb, "Values", memory.Values)
	for _, p := range memory.LearnedPatterns {
		sb.WriteString(fmt.Sprintf("Pattern (%.2f): %s\n", p.Confidence, p.Pattern))
	}
	writeField(sb, "Communication style", memory.CommunicationStyle)
	writeField(sb, "Feedback preferences", memory.FeedbackPreferences)
	if memory.ChristianPerspective {
		sb.WriteString("Christian perspective: yes\n")
	}
}

func (b *PromptBuilder) writeKnowledgeSection(sb *strings.Builder, items []KnowledgeItem) {
	if len(items) == 0 {
		sb.WriteString("(no knowledge items yet)\n")
		return
	}
	if len(items) > MaxKnowledgeContext {
		items = items[:MaxKnowledgeContext]
	}
	for _, item := range items {
		area := string(item.Area)
		if area == "" {
			area = "general"
		}
		sb.WriteString(fmt.Sprintf("[%s] (%s/%s, confidence %.2f) %s\n",
			item.ID, item.Type, area, item.Confidence, item.Content))
	}
}

func (b *PromptBuilder) writeMessagesSection(sb *strings.Builder, messages []ConversationMessage) {
	if len(messages) == 0 {
		sb.WriteString("(no messages in this window)\n")
		return
	}
	for _, msg := range messages {
		ts := time.UnixMilli(msg.CreatedAtMS).UTC().Format("2006-01-02 15:04")
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", ts, msg.Role, msg.Content))
	}
}

func memoryIsBlank(m UserMemory) bool {
	return m.Bio == "" && m.Occupation == "" && m.FamilyContext == "" &&
		len(m.CurrentGoals) == 0 && len(m.CurrentChallenges) == 0 &&
		len(m.TopOfMind) == 0 && len(m.Values) == 0 && len(m.LearnedPatterns) == 0 &&
		m.CommunicationStyle == "" && m.FeedbackPreferences == "" &&
		!m.ChristianPerspective
}

func writeField(sb *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

func writeListField(sb *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(strings.Join(values, "; "))
	sb.WriteString("\n")
}

func joinItemTypes() string {
	parts := make([]string, 0, len(AllItemTypes))
	for _, t := range AllItemTypes {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, ", ")
}

func joinLifeAreas() string {
	parts := make([]string, 0, len(AllLifeAreas))
	for _, a := range AllLifeAreas {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ", ")
}
