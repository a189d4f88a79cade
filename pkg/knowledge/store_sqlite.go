package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent storage for users, conversations,
// knowledge items, memory profiles and consolidation logs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. Use one shared connection to avoid writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS users_timezone_idx ON users(timezone);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			deleted_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id, deleted_at_ms);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_window_idx ON messages(user_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS knowledge_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			area TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			source_ref TEXT NOT NULL DEFAULT '',
			tags_json TEXT NOT NULL DEFAULT '[]',
			validated_by_user INTEGER NOT NULL DEFAULT 0,
			superseded_by_id TEXT NOT NULL DEFAULT '',
			superseded_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			deleted_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS knowledge_items_scope_idx
			ON knowledge_items(user_id, item_type, area, superseded_by_id, deleted_at_ms, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS knowledge_items_user_idx
			ON knowledge_items(user_id, deleted_at_ms, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS user_memories (
			user_id TEXT PRIMARY KEY,
			bio TEXT NOT NULL DEFAULT '',
			occupation TEXT NOT NULL DEFAULT '',
			family_context TEXT NOT NULL DEFAULT '',
			current_goals_json TEXT NOT NULL DEFAULT '[]',
			current_challenges_json TEXT NOT NULL DEFAULT '[]',
			top_of_mind_json TEXT NOT NULL DEFAULT '[]',
			values_json TEXT NOT NULL DEFAULT '[]',
			learned_patterns_json TEXT NOT NULL DEFAULT '[]',
			communication_style TEXT NOT NULL DEFAULT '',
			feedback_preferences TEXT NOT NULL DEFAULT '',
			christian_perspective INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			last_consolidated_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS consolidation_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			consolidated_from_ms INTEGER NOT NULL,
			consolidated_to_ms INTEGER NOT NULL,
			messages_processed INTEGER NOT NULL DEFAULT 0,
			facts_created INTEGER NOT NULL DEFAULT 0,
			facts_updated INTEGER NOT NULL DEFAULT 0,
			inferences_created INTEGER NOT NULL DEFAULT 0,
			memory_updates_json TEXT NOT NULL DEFAULT '{}',
			raw_output TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS consolidation_logs_user_idx
			ON consolidation_logs(user_id, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// --- users / conversations / messages ---

func (s *SQLiteStore) EnsureUser(ctx context.Context, id, timezone string) (User, error) {
	if strings.TrimSpace(id) == "" {
		return User{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(timezone) == "" {
		timezone = "UTC"
	}
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, timezone, created_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET timezone=excluded.timezone`,
		id, timezone, now)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, timezone, created_at_ms FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Timezone, &u.CreatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, &NotFoundError{Kind: "user", ID: id}
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsersByTimezone(ctx context.Context, timezone string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timezone, created_at_ms FROM users WHERE timezone = ? ORDER BY created_at_ms`, timezone)
	if err != nil {
		return nil, fmt.Errorf("list users by timezone: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Timezone, &u.CreatedAtMS); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	conv := Conversation{
		ID:          "conv-" + uuid.NewString(),
		UserID:      userID,
		Title:       strings.TrimSpace(title),
		CreatedAtMS: nowMS(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at_ms, deleted_at_ms)
		VALUES (?, ?, ?, ?, 0)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAtMS)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) SoftDeleteConversation(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET deleted_at_ms = ? WHERE id = ? AND user_id = ? AND deleted_at_ms = 0`,
		nowMS(), id, userID)
	if err != nil {
		return fmt.Errorf("soft delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "conversation", ID: id}
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg ConversationMessage) (ConversationMessage, error) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()
	}
	if msg.CreatedAtMS == 0 {
		msg.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, role, content, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, msg.CreatedAtMS)
	if err != nil {
		return ConversationMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessagesInWindow(ctx context.Context, userID string, fromMS, toMS int64) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.user_id, m.role, m.content, m.created_at_ms
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.user_id = ? AND c.deleted_at_ms = 0 AND m.created_at_ms >= ? AND m.created_at_ms <= ?
		ORDER BY m.created_at_ms, m.id`,
		userID, fromMS, toMS)
	if err != nil {
		return nil, fmt.Errorf("list messages in window: %w", err)
	}
	defer rows.Close()

	msgs := []ConversationMessage{}
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.CreatedAtMS); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- knowledge items ---

func (s *SQLiteStore) CreateItem(ctx context.Context, item KnowledgeItem) (KnowledgeItem, error) {
	if err := validateNewItem(&item); err != nil {
		return KnowledgeItem{}, err
	}
	now := nowMS()
	if item.ID == "" {
		item.ID = "ki-" + uuid.NewString()
	}
	if item.CreatedAtMS == 0 {
		item.CreatedAtMS = now
	}
	item.UpdatedAtMS = now
	item.Confidence = ClampConfidence(item.Confidence)
	if item.Tags == nil {
		item.Tags = []string{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items
			(id, user_id, item_type, area, title, content, confidence, source, source_ref,
			 tags_json, validated_by_user, superseded_by_id, superseded_at_ms,
			 created_at_ms, updated_at_ms, deleted_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?, 0)`,
		item.ID, item.UserID, string(item.Type), string(item.Area), item.Title, item.Content,
		item.Confidence, string(item.Source), item.SourceRef, marshalJSON(item.Tags),
		boolToInt(item.ValidatedByUser), item.CreatedAtMS, item.UpdatedAtMS)
	if err != nil {
		return KnowledgeItem{}, fmt.Errorf("create knowledge item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) CreateItems(ctx context.Context, items []KnowledgeItem) ([]KnowledgeItem, error) {
	created := make([]KnowledgeItem, 0, len(items))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin createMany: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for _, item := range items {
		if err := validateNewItem(&item); err != nil {
			return nil, err
		}
		if item.ID == "" {
			item.ID = "ki-" + uuid.NewString()
		}
		if item.CreatedAtMS == 0 {
			item.CreatedAtMS = now
		}
		item.UpdatedAtMS = now
		item.Confidence = ClampConfidence(item.Confidence)
		if item.Tags == nil {
			item.Tags = []string{}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_items
				(id, user_id, item_type, area, title, content, confidence, source, source_ref,
				 tags_json, validated_by_user, superseded_by_id, superseded_at_ms,
				 created_at_ms, updated_at_ms, deleted_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?, 0)`,
			item.ID, item.UserID, string(item.Type), string(item.Area), item.Title, item.Content,
			item.Confidence, string(item.Source), item.SourceRef, marshalJSON(item.Tags),
			boolToInt(item.ValidatedByUser), item.CreatedAtMS, item.UpdatedAtMS)
		if err != nil {
			return nil, fmt.Errorf("create knowledge item %s: %w", item.ID, err)
		}
		created = append(created, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit createMany: %w", err)
	}
	return created, nil
}

func validateNewItem(item *KnowledgeItem) error {
	if strings.TrimSpace(item.UserID) == "" {
		return fmt.Errorf("knowledge item user id is required")
	}
	if strings.TrimSpace(item.Content) == "" {
		return fmt.Errorf("knowledge item content is required")
	}
	if !IsValidItemType(item.Type) {
		return fmt.Errorf("invalid knowledge item type %q", item.Type)
	}
	if !IsValidLifeArea(item.Area) {
		return fmt.Errorf("invalid life area %q", item.Area)
	}
	if item.Source == "" {
		item.Source = SourceConversation
	}
	if !IsValidItemSource(item.Source) {
		return fmt.Errorf("invalid item source %q", item.Source)
	}
	return nil
}

const itemColumns = `id, user_id, item_type, area, title, content, confidence, source, source_ref,
	tags_json, validated_by_user, superseded_by_id, superseded_at_ms, created_at_ms, updated_at_ms, deleted_at_ms`

func scanItem(row interface{ Scan(...interface{}) error }) (KnowledgeItem, error) {
	var (
		item      KnowledgeItem
		tagsJSON  string
		validated int
	)
	err := row.Scan(&item.ID, &item.UserID, (*string)(&item.Type), (*string)(&item.Area),
		&item.Title, &item.Content, &item.Confidence, (*string)(&item.Source), &item.SourceRef,
		&tagsJSON, &validated, &item.SupersededByID, &item.SupersededAtMS,
		&item.CreatedAtMS, &item.UpdatedAtMS, &item.DeletedAtMS)
	if err != nil {
		return KnowledgeItem{}, err
	}
	item.ValidatedByUser = validated != 0
	if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
		item.Tags = []string{}
	}
	return item, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, userID, id string) (KnowledgeItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM knowledge_items WHERE user_id = ? AND id = ?`, userID, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeItem{}, &NotFoundError{Kind: "knowledge item", ID: id}
	}
	if err != nil {
		return KnowledgeItem{}, fmt.Errorf("get knowledge item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, userID, id string, upd ItemUpdate) (KnowledgeItem, error) {
	item, err := s.GetItem(ctx, userID, id)
	if err != nil {
		return KnowledgeItem{}, err
	}

	if upd.Title != nil {
		item.Title = *upd.Title
	}
	if upd.Content != nil {
		item.Content = *upd.Content
	}
	if upd.Confidence != nil {
		item.Confidence = ClampConfidence(*upd.Confidence)
	}
	if upd.ValidatedByUser != nil {
		item.ValidatedByUser = *upd.ValidatedByUser
	}
	if upd.Tags != nil {
		item.Tags = *upd.Tags
		if item.Tags == nil {
			item.Tags = []string{}
		}
	}
	item.UpdatedAtMS = nowMS()

	_, err = s.db.ExecContext(ctx, `
		UPDATE knowledge_items
		SET title = ?, content = ?, confidence = ?, validated_by_user = ?, tags_json = ?, updated_at_ms = ?
		WHERE user_id = ? AND id = ?`,
		item.Title, item.Content, item.Confidence, boolToInt(item.ValidatedByUser),
		marshalJSON(item.Tags), item.UpdatedAtMS, userID, id)
	if err != nil {
		return KnowledgeItem{}, fmt.Errorf("update knowledge item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) SoftDeleteItem(ctx context.Context, userID, id string) error {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items SET deleted_at_ms = ?, updated_at_ms = ?
		WHERE user_id = ? AND id = ? AND deleted_at_ms = 0`,
		now, now, userID, id)
	if err != nil {
		return fmt.Errorf("soft delete knowledge item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "knowledge item", ID: id}
	}
	return nil
}

// SupersedeItem is the compare-and-set making concurrent resolution of the
// same contradiction converge to exactly one winner.
func (s *SQLiteStore) SupersedeItem(ctx context.Context, userID, oldID, newID string) error {
	if _, err := s.GetItem(ctx, userID, newID); err != nil {
		return err
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items
		SET superseded_by_id = ?, superseded_at_ms = ?, updated_at_ms = ?
		WHERE user_id = ? AND id = ? AND superseded_by_id = '' AND deleted_at_ms = 0`,
		newID, now, now, userID, oldID)
	if err != nil {
		return fmt.Errorf("supersede knowledge item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetItem(ctx, userID, oldID); err != nil {
			return err
		}
		return &ConflictError{Op: "supersede", ID: oldID}
	}
	return nil
}

func buildItemFilter(userID string, f ItemFilter) (string, []interface{}) {
	where := []string{"user_id = ?"}
	args := []interface{}{userID}

	if !f.IncludeDeleted {
		where = append(where, "deleted_at_ms = 0")
	}
	if !f.IncludeSuperseded {
		where = append(where, "superseded_by_id = ''")
	}
	if f.Type != "" {
		where = append(where, "item_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Area != "" {
		where = append(where, "area = ?")
		args = append(args, string(f.Area))
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.MinConfidence != nil {
		where = append(where, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		where = append(where, "confidence <= ?")
		args = append(args, *f.MaxConfidence)
	}
	if f.CreatedAfterMS > 0 {
		where = append(where, "created_at_ms >= ?")
		args = append(args, f.CreatedAfterMS)
	}
	if f.CreatedBeforeMS > 0 {
		where = append(where, "created_at_ms <= ?")
		args = append(args, f.CreatedBeforeMS)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "(title LIKE ? OR content LIKE ?)")
		pattern := "%" + q + "%"
		args = append(args, pattern, pattern)
	}
	return strings.Join(where, " AND "), args
}

func (s *SQLiteStore) SearchItems(ctx context.Context, userID string, f ItemFilter) ([]KnowledgeItem, error) {
	whereClause, args := buildItemFilter(userID, f)
	query := `SELECT ` + itemColumns + ` FROM knowledge_items WHERE ` + whereClause +
		` ORDER BY created_at_ms DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search knowledge items: %w", err)
	}
	defer rows.Close()

	items := []KnowledgeItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) CountSearchItems(ctx context.Context, userID string, f ItemFilter) (int, error) {
	whereClause, args := buildItemFilter(userID, f)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_items WHERE `+whereClause, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count knowledge items: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) FindActiveBySameScope(ctx context.Context, userID string, t ItemType, area LifeArea, limit int) ([]KnowledgeItem, error) {
	if limit <= 0 {
		limit = 20
	}
	// Exact area match, unconditionally: an empty area is its own scope and
	// must never widen into every area the way an omitted search filter does.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM knowledge_items
		WHERE user_id = ? AND item_type = ? AND area = ?
			AND superseded_by_id = '' AND deleted_at_ms = 0
		ORDER BY created_at_ms DESC, id LIMIT ?`,
		userID, string(t), string(area), limit)
	if err != nil {
		return nil, fmt.Errorf("find items in scope: %w", err)
	}
	defer rows.Close()

	items := []KnowledgeItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) CountItemsByArea(ctx context.Context, userID string) (map[LifeArea]int, error) {
	counts := make(map[LifeArea]int, len(AllLifeAreas))
	for _, area := range AllLifeAreas {
		counts[area] = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT area, COUNT(*) FROM knowledge_items
		WHERE user_id = ? AND deleted_at_ms = 0 AND superseded_by_id = ''
		GROUP BY area`, userID)
	if err != nil {
		return nil, fmt.Errorf("count items by area: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			area string
			n    int
		)
		if err := rows.Scan(&area, &n); err != nil {
			return nil, err
		}
		counts[LifeArea(area)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) CountItemsByType(ctx context.Context, userID string) (map[ItemType]int, error) {
	counts := make(map[ItemType]int, len(AllItemTypes))
	for _, t := range AllItemTypes {
		counts[t] = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_type, COUNT(*) FROM knowledge_items
		WHERE user_id = ? AND deleted_at_ms = 0 AND superseded_by_id = ''
		GROUP BY item_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("count items by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[ItemType(t)] = n
	}
	return counts, rows.Err()
}

// --- user memory ---

const memoryColumns = `user_id, bio, occupation, family_context, current_goals_json,
	current_challenges_json, top_of_mind_json, values_json, learned_patterns_json,
	communication_style, feedback_preferences, christian_perspective, version,
	last_consolidated_at_ms, created_at_ms, updated_at_ms`

func scanMemory(row interface{ Scan(...interface{}) error }) (UserMemory, error) {
	var (
		m          UserMemory
		goals      string
		challenges string
		topOfMind  string
		values     string
		patterns   string
		christian  int
	)
	err := row.Scan(&m.UserID, &m.Bio, &m.Occupation, &m.FamilyContext,
		&goals, &challenges, &topOfMind, &values, &patterns,
		&m.CommunicationStyle, &m.FeedbackPreferences, &christian,
		&m.Version, &m.LastConsolidatedAtMS, &m.CreatedAtMS, &m.UpdatedAtMS)
	if err != nil {
		return UserMemory{}, err
	}
	m.ChristianPerspective = christian != 0
	_ = json.Unmarshal([]byte(goals), &m.CurrentGoals)
	_ = json.Unmarshal([]byte(challenges), &m.CurrentChallenges)
	_ = json.Unmarshal([]byte(topOfMind), &m.TopOfMind)
	_ = json.Unmarshal([]byte(values), &m.Values)
	_ = json.Unmarshal([]byte(patterns), &m.LearnedPatterns)
	return m, nil
}

func (s *SQLiteStore) GetOrCreateMemory(ctx context.Context, userID string) (UserMemory, error) {
	if strings.TrimSpace(userID) == "" {
		return UserMemory{}, fmt.Errorf("user id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM user_memories WHERE user_id = ?`, userID)
	m, err := scanMemory(row)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return UserMemory{}, fmt.Errorf("get user memory: %w", err)
	}

	now := nowMS()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_memories (user_id, version, created_at_ms, updated_at_ms)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, now, now)
	if err != nil {
		return UserMemory{}, fmt.Errorf("create user memory: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM user_memories WHERE user_id = ?`, userID)
	m, err = scanMemory(row)
	if err != nil {
		return UserMemory{}, fmt.Errorf("reload user memory: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMemory(ctx context.Context, userID string, expectedVersion int, upd MemoryUpdate) (UserMemory, error) {
	m, err := s.GetOrCreateMemory(ctx, userID)
	if err != nil {
		return UserMemory{}, err
	}
	if m.Version != expectedVersion {
		return UserMemory{}, &ConflictError{Op: "memory version", ID: userID}
	}

	if upd.Bio != nil {
		m.Bio = *upd.Bio
	}
	if upd.Occupation != nil {
		m.Occupation = *upd.Occupation
	}
	if upd.FamilyContext != nil {
		m.FamilyContext = *upd.FamilyContext
	}
	if upd.CurrentGoals != nil {
		m.CurrentGoals = *upd.CurrentGoals
	}
	if upd.CurrentChallenges != nil {
		m.CurrentChallenges = *upd.CurrentChallenges
	}
	if upd.TopOfMind != nil {
		m.TopOfMind = *upd.TopOfMind
	}
	if upd.Values != nil {
		m.Values = *upd.Values
	}
	if upd.LearnedPatterns != nil {
		patterns := *upd.LearnedPatterns
		for i := range patterns {
			patterns[i].Confidence = ClampConfidence(patterns[i].Confidence)
		}
		m.LearnedPatterns = patterns
	}
	if upd.CommunicationStyle != nil {
		m.CommunicationStyle = *upd.CommunicationStyle
	}
	if upd.FeedbackPreferences != nil {
		m.FeedbackPreferences = *upd.FeedbackPreferences
	}
	if upd.ChristianPerspective != nil {
		m.ChristianPerspective = *upd.ChristianPerspective
	}

	m.Version = expectedVersion + 1
	m.UpdatedAtMS = nowMS()

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_memories
		SET bio = ?, occupation = ?, family_context = ?, current_goals_json = ?,
			current_challenges_json = ?, top_of_mind_json = ?, values_json = ?,
			learned_patterns_json = ?, communication_style = ?, feedback_preferences = ?,
			christian_perspective = ?, version = ?, updated_at_ms = ?
		WHERE user_id = ? AND version = ?`,
		m.Bio, m.Occupation, m.FamilyContext, marshalJSON(orEmpty(m.CurrentGoals)),
		marshalJSON(orEmpty(m.CurrentChallenges)), marshalJSON(orEmpty(m.TopOfMind)),
		marshalJSON(orEmpty(m.Values)), marshalJSON(orEmptyPatterns(m.LearnedPatterns)),
		m.CommunicationStyle, m.FeedbackPreferences, boolToInt(m.ChristianPerspective),
		m.Version, m.UpdatedAtMS, userID, expectedVersion)
	if err != nil {
		return UserMemory{}, fmt.Errorf("update user memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return UserMemory{}, &ConflictError{Op: "memory version", ID: userID}
	}
	return m, nil
}

func (s *SQLiteStore) SetLastConsolidatedAt(ctx context.Context, userID string, atMS int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_memories SET last_consolidated_at_ms = ?, updated_at_ms = ? WHERE user_id = ?`,
		atMS, nowMS(), userID)
	if err != nil {
		return fmt.Errorf("set last consolidated at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "user memory", ID: userID}
	}
	return nil
}

// --- consolidation logs ---

func (s *SQLiteStore) AppendConsolidationLog(ctx context.Context, row ConsolidationLog) (ConsolidationLog, error) {
	if row.ID == "" {
		row.ID = "clog-" + uuid.NewString()
	}
	if row.CreatedAtMS == 0 {
		row.CreatedAtMS = nowMS()
	}
	if row.Status != LogStatusCompleted && row.Status != LogStatusFailed {
		return ConsolidationLog{}, fmt.Errorf("invalid consolidation log status %q", row.Status)
	}
	if row.MemoryUpdates == "" {
		row.MemoryUpdates = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_logs
			(id, user_id, consolidated_from_ms, consolidated_to_ms, messages_processed,
			 facts_created, facts_updated, inferences_created, memory_updates_json,
			 raw_output, status, error_message, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.ConsolidatedFromMS, row.ConsolidatedToMS, row.MessagesProcessed,
		row.FactsCreated, row.FactsUpdated, row.InferencesCreated, row.MemoryUpdates,
		row.RawOutput, row.Status, row.ErrorMessage, row.CreatedAtMS)
	if err != nil {
		return ConsolidationLog{}, fmt.Errorf("append consolidation log: %w", err)
	}
	return row, nil
}

func (s *SQLiteStore) ListConsolidationLogs(ctx context.Context, userID string, limit int) ([]ConsolidationLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, consolidated_from_ms, consolidated_to_ms, messages_processed,
			facts_created, facts_updated, inferences_created, memory_updates_json,
			raw_output, status, error_message, created_at_ms
		FROM consolidation_logs WHERE user_id = ?
		ORDER BY created_at_ms DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consolidation logs: %w", err)
	}
	defer rows.Close()

	logs := []ConsolidationLog{}
	for rows.Next() {
		var l ConsolidationLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.ConsolidatedFromMS, &l.ConsolidatedToMS,
			&l.MessagesProcessed, &l.FactsCreated, &l.FactsUpdated, &l.InferencesCreated,
			&l.MemoryUpdates, &l.RawOutput, &l.Status, &l.ErrorMessage, &l.CreatedAtMS); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyPatterns(p []LearnedPattern) []LearnedPattern {
	if p == nil {
		return []LearnedPattern{}
	}
	return p
}
