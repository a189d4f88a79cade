package knowledge

// ItemType classifies knowledge items.
type ItemType string

const (
	ItemFact       ItemType = "fact"
	ItemPreference ItemType = "preference"
	ItemMemory     ItemType = "memory"
	ItemInsight    ItemType = "insight"
	ItemPerson     ItemType = "person"
)

// AllItemTypes lists every valid item type. Aggregate queries pre-seed all
// buckets from this list so callers never branch on missing keys.
var AllItemTypes = []ItemType{ItemFact, ItemPreference, ItemMemory, ItemInsight, ItemPerson}

func IsValidItemType(t ItemType) bool {
	for _, v := range AllItemTypes {
		if v == t {
			return true
		}
	}
	return false
}

// LifeArea is the coarse category scoping memory organization and
// contradiction comparisons. Empty means unscoped.
type LifeArea string

const (
	AreaHealth         LifeArea = "health"
	AreaFinancial      LifeArea = "financial"
	AreaRelationships  LifeArea = "relationships"
	AreaCareer         LifeArea = "career"
	AreaPersonalGrowth LifeArea = "personal_growth"
	AreaLeisure        LifeArea = "leisure"
	AreaSpirituality   LifeArea = "spirituality"
	AreaMentalHealth   LifeArea = "mental_health"
)

var AllLifeAreas = []LifeArea{
	AreaHealth, AreaFinancial, AreaRelationships, AreaCareer,
	AreaPersonalGrowth, AreaLeisure, AreaSpirituality, AreaMentalHealth,
}

func IsValidLifeArea(a LifeArea) bool {
	if a == "" {
		return true
	}
	for _, v := range AllLifeAreas {
		if v == a {
			return true
		}
	}
	return false
}

// ItemSource records where a knowledge item came from.
type ItemSource string

const (
	SourceConversation ItemSource = "conversation"
	SourceAIInference  ItemSource = "ai_inference"
	SourceUserInput    ItemSource = "user_input"
)

func IsValidItemSource(s ItemSource) bool {
	return s == SourceConversation || s == SourceAIInference || s == SourceUserInput
}

// KnowledgeItem is one atomic fact/preference/insight/memory/person record
// about a user. Items are never hard-deleted; supersession and soft deletion
// preserve history.
type KnowledgeItem struct {
	ID              string
	UserID          string
	Type            ItemType
	Area            LifeArea
	Title           string
	Content         string
	Confidence      float64
	Source          ItemSource
	SourceRef       string
	Tags            []string
	ValidatedByUser bool
	// SupersededByID is a one-way, single-assignment pointer to the newer
	// item that invalidated this one. Never cleared or reassigned.
	SupersededByID string
	SupersededAtMS int64
	CreatedAtMS    int64
	UpdatedAtMS    int64
	DeletedAtMS    int64
}

// Active reports whether the item participates in search and contradiction
// scope by default.
func (k KnowledgeItem) Active() bool {
	return k.SupersededByID == "" && k.DeletedAtMS == 0
}

// LearnedPattern is a recurring behavioral pattern stored on the profile.
type LearnedPattern struct {
	Pattern    string   `json:"pattern"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

// UserMemory is the compact structured profile, one row per user. Lazily
// created on first access and only ever updated in place.
type UserMemory struct {
	UserID               string
	Bio                  string
	Occupation           string
	FamilyContext        string
	CurrentGoals         []string
	CurrentChallenges    []string
	TopOfMind            []string
	Values               []string
	LearnedPatterns      []LearnedPattern
	CommunicationStyle   string
	FeedbackPreferences  string
	ChristianPerspective bool
	// Version increments by exactly 1 per accepted update.
	Version              int
	LastConsolidatedAtMS int64
	CreatedAtMS          int64
	UpdatedAtMS          int64
}

// Consolidation log status values.
const (
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
)

// ConsolidationLog is the append-only audit record, one row per consolidation
// attempt regardless of outcome.
type ConsolidationLog struct {
	ID                 string
	UserID             string
	ConsolidatedFromMS int64
	ConsolidatedToMS   int64
	MessagesProcessed  int
	FactsCreated       int
	FactsUpdated       int
	InferencesCreated  int
	MemoryUpdates      string // JSON snapshot of the applied sparse merge
	RawOutput          string
	Status             string
	ErrorMessage       string
	CreatedAtMS        int64
}

// User is the minimal directory record needed to resolve consolidation
// cohorts.
type User struct {
	ID          string
	Timezone    string
	CreatedAtMS int64
}

// Conversation groups messages. Soft-deleted conversations are excluded from
// consolidation windows.
type Conversation struct {
	ID          string
	UserID      string
	Title       string
	CreatedAtMS int64
	DeletedAtMS int64
}

// ConversationMessage is one turn of a stored conversation.
type ConversationMessage struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string
	Content        string
	CreatedAtMS    int64
}

// ItemFilter narrows search and count queries. Deleted and superseded items
// are excluded unless explicitly included.
type ItemFilter struct {
	Type              ItemType
	Area              LifeArea
	Source            ItemSource
	MinConfidence     *float64
	MaxConfidence     *float64
	CreatedAfterMS    int64
	CreatedBeforeMS   int64
	Query             string // free text over title+content
	IncludeDeleted    bool
	IncludeSuperseded bool
	Limit             int
	Offset            int
}

// ItemUpdate is a sparse patch; nil fields are untouched. Type, area and
// source are immutable after creation.
type ItemUpdate struct {
	Title           *string
	Content         *string
	Confidence      *float64
	ValidatedByUser *bool
	Tags            *[]string
}

// MemoryUpdate is a sparse patch of the profile; nil fields are untouched,
// never cleared.
type MemoryUpdate struct {
	Bio                  *string
	Occupation           *string
	FamilyContext        *string
	CurrentGoals         *[]string
	CurrentChallenges    *[]string
	TopOfMind            *[]string
	Values               *[]string
	LearnedPatterns      *[]LearnedPattern
	CommunicationStyle   *string
	FeedbackPreferences  *string
	ChristianPerspective *bool
}

// Empty reports whether the patch carries no changes.
func (u MemoryUpdate) Empty() bool {
	return u.Bio == nil && u.Occupation == nil && u.FamilyContext == nil &&
		u.CurrentGoals == nil && u.CurrentChallenges == nil && u.TopOfMind == nil &&
		u.Values == nil && u.LearnedPatterns == nil && u.CommunicationStyle == nil &&
		u.FeedbackPreferences == nil && u.ChristianPerspective == nil
}

// ClampConfidence bounds a confidence value to [0,1] on write.
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
