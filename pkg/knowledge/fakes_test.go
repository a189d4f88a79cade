package knowledge

import (
	"context"
	"fmt"
	"sync"

	"github.com/memkeep/memkeep/pkg/providers"
)

// fakeLLM replays scripted responses and records every prompt it saw. When
// respond is set it overrides the scripted list.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	respond   func(prompt string) (string, error)
	err       error
	calls     int
	prompts   []string
}

func (f *fakeLLM) Chat(ctx context.Context, messages []providers.Message, opts providers.ChatOptions) (*providers.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var prompt string
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
		f.prompts = append(f.prompts, prompt)
	}
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.respond != nil {
		content, err := f.respond(prompt)
		if err != nil {
			return nil, err
		}
		return &providers.LLMResponse{Content: content, FinishReason: "stop"}, nil
	}
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fake llm: no scripted response")
	}
	content := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &providers.LLMResponse{Content: content, FinishReason: "stop"}, nil
}

func (f *fakeLLM) GetInfo() providers.ProviderInfo {
	return providers.ProviderInfo{Name: "fake", Model: "fake-model"}
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeChecker returns canned verdicts keyed by existing item content (single
// checks) or item id (batch checks).
type fakeChecker struct {
	byContent map[string]Verdict
	byID      map[string]Verdict
}

func (f *fakeChecker) CheckContradiction(ctx context.Context, newContent, existingContent string, scope Scope) Verdict {
	if v, ok := f.byContent[existingContent]; ok {
		return v
	}
	return safeVerdict("no scripted verdict")
}

func (f *fakeChecker) BatchCheckContradictions(ctx context.Context, newContent string, items []KnowledgeItem, scope Scope) map[string]Verdict {
	verdicts := make(map[string]Verdict, len(items))
	for _, item := range items {
		if v, ok := f.byID[item.ID]; ok {
			verdicts[item.ID] = v
		} else if v, ok := f.byContent[item.Content]; ok {
			verdicts[item.ID] = v
		} else {
			verdicts[item.ID] = safeVerdict("no scripted verdict")
		}
	}
	return verdicts
}
