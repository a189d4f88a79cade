package knowledge

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state", "memkeep.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustUser(t *testing.T, store *SQLiteStore, id string) User {
	t.Helper()
	u, err := store.EnsureUser(context.Background(), id, "UTC")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	return u
}

func TestSQLiteStore_ItemPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state", "memkeep.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mustUser(t, store, "u1")

	item, err := store.CreateItem(ctx, KnowledgeItem{
		UserID:     "u1",
		Type:       ItemFact,
		Area:       AreaRelationships,
		Content:    "is single",
		Confidence: 0.9,
		Source:     SourceConversation,
		Tags:       []string{"status"},
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if item.ID == "" || item.CreatedAtMS == 0 {
		t.Fatalf("item missing id or timestamp: %#v", item)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	got, err := store2.GetItem(ctx, "u1", item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Content != "is single" || got.Area != AreaRelationships || len(got.Tags) != 1 {
		t.Fatalf("unexpected item after reopen: %#v", got)
	}
}

func TestSQLiteStore_ConfidenceClampedOnWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	item, err := store.CreateItem(ctx, KnowledgeItem{
		UserID: "u1", Type: ItemFact, Content: "x", Confidence: 1.7, Source: SourceConversation,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	if item.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", item.Confidence)
	}

	neg := -0.3
	updated, err := store.UpdateItem(ctx, "u1", item.ID, ItemUpdate{Confidence: &neg})
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if updated.Confidence != 0 {
		t.Fatalf("expected confidence clamped to 0, got %v", updated.Confidence)
	}
}

func TestSQLiteStore_SupersedeIsSingleAssignment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	old, _ := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Content: "old", Confidence: 0.9, Source: SourceConversation})
	newA, _ := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Content: "new a", Confidence: 0.9, Source: SourceConversation})
	newB, _ := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Content: "new b", Confidence: 0.9, Source: SourceConversation})

	if err := store.SupersedeItem(ctx, "u1", old.ID, newA.ID); err != nil {
		t.Fatalf("first supersede: %v", err)
	}
	err := store.SupersedeItem(ctx, "u1", old.ID, newB.ID)
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError on second supersede, got %v", err)
	}

	got, err := store.GetItem(ctx, "u1", old.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.SupersededByID != newA.ID {
		t.Fatalf("supersededById reassigned: want %s, got %s", newA.ID, got.SupersededByID)
	}
	if got.SupersededAtMS == 0 {
		t.Fatalf("supersededAt not set")
	}
	if got.Active() {
		t.Fatalf("superseded item still active")
	}
}

func TestSQLiteStore_SupersedeMissingTarget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	old, _ := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Content: "old", Confidence: 0.9, Source: SourceConversation})
	if err := store.SupersedeItem(ctx, "u1", old.ID, "ki-missing"); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing new item, got %v", err)
	}
	if err := store.SupersedeItem(ctx, "u1", "ki-missing", old.ID); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError for missing old item, got %v", err)
	}
}

func TestSQLiteStore_SearchExcludesInactiveByDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	a, _ := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Area: AreaCareer, Content: "works at acme", Confidence: 0.9, Source: SourceConversation})
	b, _ := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Area: AreaCareer, Content: "works at globex", Confidence: 0.9, Source: SourceConversation})
	c, _ := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Area: AreaCareer, Content: "works remotely", Confidence: 0.9, Source: SourceConversation})

	if err := store.SupersedeItem(ctx, "u1", a.ID, b.ID); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if err := store.SoftDeleteItem(ctx, "u1", c.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	items, err := store.SearchItems(ctx, "u1", ItemFilter{Type: ItemFact, Area: AreaCareer})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(items) != 1 || items[0].ID != b.ID {
		t.Fatalf("expected only the active item, got %#v", items)
	}

	all, err := store.SearchItems(ctx, "u1", ItemFilter{IncludeDeleted: true, IncludeSuperseded: true})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 items with history included, got %d", len(all))
	}
}

func TestSQLiteStore_FindActiveBySameScopeOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	var last KnowledgeItem
	for i := 0; i < 5; i++ {
		item, err := store.CreateItem(ctx, KnowledgeItem{
			UserID: "u1", Type: ItemPreference, Area: AreaLeisure,
			Content: "pref", Confidence: 0.9, Source: SourceConversation,
			CreatedAtMS: int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("create item %d: %v", i, err)
		}
		last = item
	}
	// Different scope must not leak in.
	if _, err := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Area: AreaLeisure, Content: "fact", Confidence: 0.9, Source: SourceConversation}); err != nil {
		t.Fatalf("create off-scope item: %v", err)
	}

	items, err := store.FindActiveBySameScope(ctx, "u1", ItemPreference, AreaLeisure, 3)
	if err != nil {
		t.Fatalf("find scope: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected limit 3, got %d", len(items))
	}
	if items[0].ID != last.ID {
		t.Fatalf("expected most recent first, got %s", items[0].ID)
	}
	for _, item := range items {
		if item.Type != ItemPreference || item.Area != AreaLeisure {
			t.Fatalf("scope leak: %#v", item)
		}
	}
}

func TestSQLiteStore_FindActiveBySameScopeEmptyAreaIsExact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	unscoped, err := store.CreateItem(ctx, KnowledgeItem{
		UserID: "u1", Type: ItemFact, Content: "drinks black coffee",
		Confidence: 0.9, Source: SourceConversation,
	})
	if err != nil {
		t.Fatalf("create unscoped item: %v", err)
	}
	if _, err := store.CreateItem(ctx, KnowledgeItem{
		UserID: "u1", Type: ItemFact, Area: AreaHealth, Content: "runs marathons",
		Confidence: 0.9, Source: SourceConversation,
	}); err != nil {
		t.Fatalf("create health item: %v", err)
	}

	items, err := store.FindActiveBySameScope(ctx, "u1", ItemFact, "", 20)
	if err != nil {
		t.Fatalf("find empty-area scope: %v", err)
	}
	if len(items) != 1 || items[0].ID != unscoped.ID {
		t.Fatalf("empty-area scope must contain only the unscoped item, got %#v", items)
	}

	items, err = store.FindActiveBySameScope(ctx, "u1", ItemFact, AreaHealth, 20)
	if err != nil {
		t.Fatalf("find health scope: %v", err)
	}
	if len(items) != 1 || items[0].Area != AreaHealth {
		t.Fatalf("health scope must contain only the health item, got %#v", items)
	}
}

func TestSQLiteStore_MemoryVersionGuard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	mem, err := store.GetOrCreateMemory(ctx, "u1")
	if err != nil {
		t.Fatalf("get or create memory: %v", err)
	}
	if mem.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", mem.Version)
	}

	bio := "software engineer in Lisbon"
	updated, err := store.UpdateMemory(ctx, "u1", mem.Version, MemoryUpdate{Bio: &bio})
	if err != nil {
		t.Fatalf("update memory: %v", err)
	}
	if updated.Version != 2 || updated.Bio != bio {
		t.Fatalf("unexpected memory after update: %#v", updated)
	}

	// Stale version loses.
	occ := "barista"
	if _, err := store.UpdateMemory(ctx, "u1", mem.Version, MemoryUpdate{Occupation: &occ}); !IsConflict(err) {
		t.Fatalf("expected ConflictError for stale version, got %v", err)
	}

	// Sparse merge never clears untouched fields.
	goals := []string{"ship v2"}
	merged, err := store.UpdateMemory(ctx, "u1", updated.Version, MemoryUpdate{CurrentGoals: &goals})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if merged.Bio != bio || len(merged.CurrentGoals) != 1 {
		t.Fatalf("sparse merge lost fields: %#v", merged)
	}
}

func TestSQLiteStore_MessageWindowSkipsDeletedConversations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	keep, _ := store.CreateConversation(ctx, "u1", "keep")
	drop, _ := store.CreateConversation(ctx, "u1", "drop")

	for _, conv := range []Conversation{keep, drop} {
		if _, err := store.AppendMessage(ctx, ConversationMessage{
			ConversationID: conv.ID, UserID: "u1", Role: "user", Content: "hello from " + conv.Title,
		}); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}
	if err := store.SoftDeleteConversation(ctx, "u1", drop.ID); err != nil {
		t.Fatalf("soft delete conversation: %v", err)
	}

	msgs, err := store.ListMessagesInWindow(ctx, "u1", 0, nowMS()+1)
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello from keep" {
		t.Fatalf("expected only the surviving conversation's message, got %#v", msgs)
	}
}

func TestSQLiteStore_CountsPreSeedAllBuckets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	if _, err := store.CreateItem(ctx, KnowledgeItem{UserID: "u1", Type: ItemFact, Area: AreaHealth, Content: "runs daily", Confidence: 0.9, Source: SourceConversation}); err != nil {
		t.Fatalf("create item: %v", err)
	}

	byArea, err := store.CountItemsByArea(ctx, "u1")
	if err != nil {
		t.Fatalf("count by area: %v", err)
	}
	if len(byArea) != len(AllLifeAreas) {
		t.Fatalf("expected %d area buckets, got %d", len(AllLifeAreas), len(byArea))
	}
	if byArea[AreaHealth] != 1 || byArea[AreaFinancial] != 0 {
		t.Fatalf("unexpected area counts: %#v", byArea)
	}

	byType, err := store.CountItemsByType(ctx, "u1")
	if err != nil {
		t.Fatalf("count by type: %v", err)
	}
	if len(byType) != len(AllItemTypes) {
		t.Fatalf("expected %d type buckets, got %d", len(AllItemTypes), len(byType))
	}
	if byType[ItemFact] != 1 || byType[ItemInsight] != 0 {
		t.Fatalf("unexpected type counts: %#v", byType)
	}
}

func TestSQLiteStore_ConsolidationLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustUser(t, store, "u1")

	row, err := store.AppendConsolidationLog(ctx, ConsolidationLog{
		UserID: "u1", ConsolidatedFromMS: 1, ConsolidatedToMS: 2,
		MessagesProcessed: 4, FactsCreated: 1, Status: LogStatusCompleted,
	})
	if err != nil {
		t.Fatalf("append log: %v", err)
	}
	if row.ID == "" || row.MemoryUpdates != "{}" {
		t.Fatalf("unexpected log row: %#v", row)
	}

	if _, err := store.AppendConsolidationLog(ctx, ConsolidationLog{UserID: "u1", Status: "bogus"}); err == nil {
		t.Fatalf("expected error for invalid status")
	}

	logs, err := store.ListConsolidationLogs(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].FactsCreated != 1 {
		t.Fatalf("unexpected logs: %#v", logs)
	}
}
