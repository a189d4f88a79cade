package knowledge

import "context"

// ItemStore is the persistence/query port for knowledge items.
type ItemStore interface {
	CreateItem(ctx context.Context, item KnowledgeItem) (KnowledgeItem, error)
	CreateItems(ctx context.Context, items []KnowledgeItem) ([]KnowledgeItem, error)
	GetItem(ctx context.Context, userID, id string) (KnowledgeItem, error)
	// UpdateItem patches mutable fields only; type/area/source are immutable
	// after creation.
	UpdateItem(ctx context.Context, userID, id string, upd ItemUpdate) (KnowledgeItem, error)
	SoftDeleteItem(ctx context.Context, userID, id string) error
	// SupersedeItem sets old.supersededById = newID only when it is currently
	// unset. Returns ConflictError when a concurrent writer won.
	SupersedeItem(ctx context.Context, userID, oldID, newID string) error
	SearchItems(ctx context.Context, userID string, f ItemFilter) ([]KnowledgeItem, error)
	CountSearchItems(ctx context.Context, userID string, f ItemFilter) (int, error)
	// FindActiveBySameScope returns up to limit non-superseded, non-deleted
	// items sharing (type, area), most recent first.
	FindActiveBySameScope(ctx context.Context, userID string, t ItemType, area LifeArea, limit int) ([]KnowledgeItem, error)
	CountItemsByArea(ctx context.Context, userID string) (map[LifeArea]int, error)
	CountItemsByType(ctx context.Context, userID string) (map[ItemType]int, error)
}

// MemoryStore is the persistence port for the compact profile.
type MemoryStore interface {
	GetOrCreateMemory(ctx context.Context, userID string) (UserMemory, error)
	// UpdateMemory applies a sparse patch guarded by the expected version and
	// returns ConflictError when another writer advanced it first.
	UpdateMemory(ctx context.Context, userID string, expectedVersion int, upd MemoryUpdate) (UserMemory, error)
	SetLastConsolidatedAt(ctx context.Context, userID string, atMS int64) error
}

// AuditStore records consolidation attempts. Rows are write-once.
type AuditStore interface {
	AppendConsolidationLog(ctx context.Context, row ConsolidationLog) (ConsolidationLog, error)
	ListConsolidationLogs(ctx context.Context, userID string, limit int) ([]ConsolidationLog, error)
}

// ConversationStore feeds the consolidation window and resolves cohorts.
type ConversationStore interface {
	EnsureUser(ctx context.Context, id, timezone string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	ListUsersByTimezone(ctx context.Context, timezone string) ([]User, error)
	CreateConversation(ctx context.Context, userID, title string) (Conversation, error)
	SoftDeleteConversation(ctx context.Context, userID, id string) error
	AppendMessage(ctx context.Context, msg ConversationMessage) (ConversationMessage, error)
	// ListMessagesInWindow returns messages in [fromMS, toMS] across the
	// user's non-deleted conversations, chronological order.
	ListMessagesInWindow(ctx context.Context, userID string, fromMS, toMS int64) ([]ConversationMessage, error)
}

// Store is the full durable surface backing the engine.
type Store interface {
	Close() error
	ItemStore
	MemoryStore
	AuditStore
	ConversationStore
}

// ContradictionChecker asks whether new content invalidates existing items.
type ContradictionChecker interface {
	CheckContradiction(ctx context.Context, newContent, existingContent string, scope Scope) Verdict
	BatchCheckContradictions(ctx context.Context, newContent string, items []KnowledgeItem, scope Scope) map[string]Verdict
}
