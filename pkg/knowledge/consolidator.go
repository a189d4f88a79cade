package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/memkeep/memkeep/pkg/logger"
	"github.com/memkeep/memkeep/pkg/providers"
)

// OrchestratorConfig tunes one consolidation batch.
type OrchestratorConfig struct {
	// KnowledgeContextLimit caps how many existing items feed the prompt.
	KnowledgeContextLimit int
	// Concurrency bounds how many users run in parallel. 1 keeps the batch
	// strictly sequential.
	Concurrency    int
	MaxTokens      int
	Temperature    float64
	VersionRetries int
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.KnowledgeContextLimit <= 0 {
		c.KnowledgeContextLimit = MaxKnowledgeContext
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.VersionRetries <= 0 {
		c.VersionRetries = 3
	}
}

// ConsolidationTrigger selects which users a batch covers: a single user when
// UserID is set, otherwise every user in the timezone cohort.
type ConsolidationTrigger struct {
	Timezone string
	UserID   string
	// DateMS overrides the window end; zero means now.
	DateMS int64
}

// UserError pairs a failed user with its error for the batch summary.
type UserError struct {
	UserID string
	Err    string
}

// ConsolidationSummary reports one batch run. A failed user appears in Errors
// but never aborts the rest of the batch.
type ConsolidationSummary struct {
	UsersProcessed    int
	UsersConsolidated int
	UsersSkipped      int
	Errors            []UserError
	CompletedAtMS     int64
}

// ConsolidateStatus is the per-user consolidation outcome.
type ConsolidateStatus int

const (
	UserConsolidated ConsolidateStatus = iota
	UserSkipped
)

// Orchestrator drives the consolidation pipeline: window selection, prompt
// build, one LLM round trip, parse, and transactional apply per user.
type Orchestrator struct {
	store   Store
	llm     providers.LLMProvider
	facts   *FactService
	parser  *ResponseParser
	prompts *PromptBuilder
	cfg     OrchestratorConfig
	now     func() int64
}

func NewOrchestrator(store Store, llm providers.LLMProvider, facts *FactService, cfg OrchestratorConfig) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:   store,
		llm:     llm,
		facts:   facts,
		parser:  NewResponseParser(),
		prompts: NewPromptBuilder(),
		cfg:     cfg,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Run consolidates every user the trigger selects. Each user is isolated: a
// failure is recorded in the summary and the batch moves on.
func (o *Orchestrator) Run(ctx context.Context, trigger ConsolidationTrigger) (ConsolidationSummary, error) {
	users, err := o.resolveUsers(ctx, trigger)
	if err != nil {
		return ConsolidationSummary{}, err
	}

	toMS := trigger.DateMS
	if toMS == 0 {
		toMS = o.now()
	}

	logger.InfoCF("consolidator", "Starting consolidation batch", map[string]interface{}{
		"timezone": trigger.Timezone,
		"users":    len(users),
	})

	summary := ConsolidationSummary{UsersProcessed: len(users)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.Concurrency)

	for _, u := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()

			status, err := o.ConsolidateUser(ctx, userID, toMS)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Errors = append(summary.Errors, UserError{UserID: userID, Err: err.Error()})
				logger.ErrorCF("consolidator", "User consolidation failed", map[string]interface{}{
					"user_id": userID, "error": err.Error(),
				})
			case status == UserSkipped:
				summary.UsersSkipped++
			default:
				summary.UsersConsolidated++
			}
		}(u.ID)
	}
	wg.Wait()

	summary.CompletedAtMS = o.now()
	logger.InfoCF("consolidator", "Consolidation batch finished", map[string]interface{}{
		"processed":    summary.UsersProcessed,
		"consolidated": summary.UsersConsolidated,
		"skipped":      summary.UsersSkipped,
		"errors":       len(summary.Errors),
	})
	return summary, nil
}

func (o *Orchestrator) resolveUsers(ctx context.Context, trigger ConsolidationTrigger) ([]User, error) {
	if trigger.UserID != "" {
		u, err := o.store.GetUser(ctx, trigger.UserID)
		if err != nil {
			return nil, err
		}
		return []User{u}, nil
	}
	return o.store.ListUsersByTimezone(ctx, trigger.Timezone)
}

// ConsolidateUser runs the pipeline for one user. Zero messages in the window
// is a silent skip: no LLM call, no audit row, watermark untouched.
func (o *Orchestrator) ConsolidateUser(ctx context.Context, userID string, toMS int64) (ConsolidateStatus, error) {
	memory, err := o.store.GetOrCreateMemory(ctx, userID)
	if err != nil {
		return UserSkipped, fmt.Errorf("load memory: %w", err)
	}

	fromMS := memory.LastConsolidatedAtMS
	if fromMS == 0 {
		fromMS = memory.CreatedAtMS
	}

	messages, err := o.store.ListMessagesInWindow(ctx, userID, fromMS, toMS)
	if err != nil {
		return UserSkipped, fmt.Errorf("load messages: %w", err)
	}
	if len(messages) == 0 {
		return UserSkipped, nil
	}

	items, err := o.store.SearchItems(ctx, userID, ItemFilter{Limit: o.cfg.KnowledgeContextLimit})
	if err != nil {
		return UserSkipped, fmt.Errorf("load knowledge context: %w", err)
	}
	// The prompt renders oldest first so item IDs keep a stable order across
	// consolidations of the same context.
	reverseItems(items)

	prompt := o.prompts.Build(messages, memory, items)

	resp, err := o.llm.Chat(ctx, []providers.Message{
		{Role: "system", Content: ConsolidationSystemPrompt},
		{Role: "user", Content: prompt},
	}, providers.ChatOptions{
		Temperature: providers.Temp(o.cfg.Temperature),
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		o.appendLog(ctx, ConsolidationLog{
			UserID:             userID,
			ConsolidatedFromMS: fromMS,
			ConsolidatedToMS:   toMS,
			MessagesProcessed:  len(messages),
			Status:             LogStatusFailed,
			ErrorMessage:       err.Error(),
		})
		return UserSkipped, &ProviderError{Err: err}
	}

	parsed := o.parser.Parse(resp.Content)
	if parsed.Status != StatusParsed {
		o.appendLog(ctx, ConsolidationLog{
			UserID:             userID,
			ConsolidatedFromMS: fromMS,
			ConsolidatedToMS:   toMS,
			MessagesProcessed:  len(messages),
			RawOutput:          resp.Content,
			Status:             LogStatusFailed,
			ErrorMessage:       parsed.Err.Error(),
		})
		return UserSkipped, fmt.Errorf("parse consolidation output: %w", parsed.Err)
	}

	row, err := o.apply(ctx, userID, memory, parsed.Payload)
	row.ConsolidatedFromMS = fromMS
	row.ConsolidatedToMS = toMS
	row.MessagesProcessed = len(messages)
	row.RawOutput = resp.Content
	if err != nil {
		row.Status = LogStatusFailed
		row.ErrorMessage = err.Error()
		o.appendLog(ctx, row)
		return UserSkipped, err
	}

	// Advance the watermark only once the payload has been applied; a crash
	// before this line re-consolidates the same window, never loses it.
	if err := o.store.SetLastConsolidatedAt(ctx, userID, toMS); err != nil {
		row.Status = LogStatusFailed
		row.ErrorMessage = err.Error()
		o.appendLog(ctx, row)
		return UserSkipped, fmt.Errorf("advance watermark: %w", err)
	}

	row.Status = LogStatusCompleted
	o.appendLog(ctx, row)

	logger.InfoCF("consolidator", "User consolidated", map[string]interface{}{
		"user_id":            userID,
		"messages":           len(messages),
		"facts_created":      row.FactsCreated,
		"facts_updated":      row.FactsUpdated,
		"inferences_created": row.InferencesCreated,
	})
	return UserConsolidated, nil
}

// apply writes the parsed payload: the sparse profile merge under version
// guard, new items through the layered contradiction check, and individual
// item patches.
func (o *Orchestrator) apply(ctx context.Context, userID string, memory UserMemory, payload *ConsolidationPayload) (ConsolidationLog, error) {
	row := ConsolidationLog{UserID: userID}

	upd := payload.MemoryUpdates.ToUpdate()
	if !upd.Empty() {
		if data, err := json.Marshal(payload.MemoryUpdates); err == nil {
			row.MemoryUpdates = string(data)
		}
		if err := o.applyMemoryUpdate(ctx, userID, memory.Version, upd); err != nil {
			return row, err
		}
	}

	for _, item := range payload.NewKnowledgeItems {
		itemType := ItemType(item.Type)
		source := SourceConversation
		if itemType == ItemInsight {
			source = SourceAIInference
		}
		_, err := o.facts.Add(ctx, userID, AddFactInput{
			Type:              itemType,
			Content:           item.Content,
			Area:              LifeArea(item.Area),
			Title:             item.Title,
			Confidence:        item.Confidence,
			Source:            source,
			InferenceEvidence: item.InferenceEvidence,
			Tags:              item.Tags,
		})
		if err != nil {
			logger.WarnCF("consolidator", "New item rejected", map[string]interface{}{
				"user_id": userID, "type": item.Type, "error": err.Error(),
			})
			continue
		}
		if source == SourceAIInference {
			row.InferencesCreated++
		} else {
			row.FactsCreated++
		}
	}

	for _, patch := range payload.UpdatedKnowledgeItems {
		_, err := o.store.UpdateItem(ctx, userID, patch.ID, ItemUpdate{
			Content:    patch.Content,
			Confidence: patch.Confidence,
		})
		if err != nil {
			logger.WarnCF("consolidator", "Item update rejected", map[string]interface{}{
				"user_id": userID, "item_id": patch.ID, "error": err.Error(),
			})
			continue
		}
		row.FactsUpdated++
	}

	return row, nil
}

// applyMemoryUpdate retries the version-guarded merge, reloading the profile
// after each lost race.
func (o *Orchestrator) applyMemoryUpdate(ctx context.Context, userID string, version int, upd MemoryUpdate) error {
	var lastErr error
	for attempt := 0; attempt < o.cfg.VersionRetries; attempt++ {
		if attempt > 0 {
			memory, err := o.store.GetOrCreateMemory(ctx, userID)
			if err != nil {
				return fmt.Errorf("reload memory: %w", err)
			}
			version = memory.Version
		}
		_, err := o.store.UpdateMemory(ctx, userID, version, upd)
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return err
		}
		lastErr = err
		logger.WarnCF("consolidator", "Memory version conflict, retrying", map[string]interface{}{
			"user_id": userID, "attempt": attempt + 1,
		})
	}
	return fmt.Errorf("apply memory update: %w", lastErr)
}

func (o *Orchestrator) appendLog(ctx context.Context, row ConsolidationLog) {
	if _, err := o.store.AppendConsolidationLog(ctx, row); err != nil {
		logger.ErrorCF("consolidator", "Failed to append consolidation log", map[string]interface{}{
			"user_id": row.UserID, "error": err.Error(),
		})
	}
}

func reverseItems(items []KnowledgeItem) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
