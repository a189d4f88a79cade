package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/memkeep/memkeep/pkg/logger"
)

// CheckResult is the outcome of a pre-add contradiction check.
type CheckResult struct {
	// ShouldSupersede is the existing item the new content invalidates, or
	// nil when no candidate clears the threshold.
	ShouldSupersede *KnowledgeItem
	Explanation     string
	Confidence      float64
}

// ResolutionConfig tunes scope fetching and the supersession threshold.
type ResolutionConfig struct {
	// Threshold is the minimum detector confidence for supersession.
	Threshold float64
	// ScopeLimit caps how many same-scope items are compared.
	ScopeLimit int
}

func (c *ResolutionConfig) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.7
	}
	if c.ScopeLimit <= 0 {
		c.ScopeLimit = 20
	}
}

// Resolution orchestrates contradiction detection and supersession decisions.
type Resolution struct {
	store   ItemStore
	checker ContradictionChecker
	cfg     ResolutionConfig
}

func NewResolution(store ItemStore, checker ContradictionChecker, cfg ResolutionConfig) *Resolution {
	cfg.applyDefaults()
	return &Resolution{store: store, checker: checker, cfg: cfg}
}

// CheckBeforeAdd compares new content against active same-scope items and
// returns the strongest contradiction candidate above the threshold. Among
// multiple simultaneous contradictions, confidence breaks ties, not recency.
func (r *Resolution) CheckBeforeAdd(ctx context.Context, userID, newContent string, t ItemType, area LifeArea) (CheckResult, error) {
	items, err := r.store.FindActiveBySameScope(ctx, userID, t, area, r.cfg.ScopeLimit)
	if err != nil {
		return CheckResult{}, fmt.Errorf("fetch contradiction scope: %w", err)
	}
	if len(items) == 0 {
		return CheckResult{}, nil
	}

	verdicts := r.checker.BatchCheckContradictions(ctx, newContent, items, Scope{Type: t, Area: area})

	type candidate struct {
		item    KnowledgeItem
		verdict Verdict
	}
	candidates := make([]candidate, 0, len(items))
	for _, item := range items {
		v, ok := verdicts[item.ID]
		if !ok || !v.IsContradiction || v.Confidence < r.cfg.Threshold {
			continue
		}
		candidates = append(candidates, candidate{item: item, verdict: v})
	}
	if len(candidates) == 0 {
		return CheckResult{}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].verdict.Confidence > candidates[j].verdict.Confidence
	})

	top := candidates[0]
	item := top.item
	return CheckResult{
		ShouldSupersede: &item,
		Explanation:     top.verdict.Explanation,
		Confidence:      top.verdict.Confidence,
	}, nil
}

// Resolve performs the conditional supersede. Losing the race to a concurrent
// writer is expected and downgraded to a warning; exactly one winner stands.
func (r *Resolution) Resolve(ctx context.Context, userID, oldItemID, newItemID, explanation string) error {
	err := r.store.SupersedeItem(ctx, userID, oldItemID, newItemID)
	if err == nil {
		logger.InfoCF("resolution", "Superseded contradicted item", map[string]interface{}{
			"user_id": userID, "old_item": oldItemID, "new_item": newItemID, "reason": explanation,
		})
		return nil
	}
	if IsConflict(err) {
		logger.WarnCF("resolution", "Item already superseded by concurrent writer", map[string]interface{}{
			"user_id": userID, "old_item": oldItemID, "new_item": newItemID,
		})
		return nil
	}
	return err
}

// GroupResolution is one detected contradiction pair within a group and the
// decision of which item survives.
type GroupResolution struct {
	Keep      KnowledgeItem
	Supersede KnowledgeItem
	Verdict   Verdict
}

// FindContradictionsInGroup pairwise-compares a set of items (same-scope
// pairs only, each unordered pair once) and decides the survivor for every
// contradiction above threshold. O(n²) worst case; group sizes are capped by
// the scope fetch limits.
func (r *Resolution) FindContradictionsInGroup(ctx context.Context, items []KnowledgeItem) []GroupResolution {
	resolutions := []GroupResolution{}
	checked := make(map[string]struct{})

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			a, b := items[i], items[j]
			if a.Type != b.Type || a.Area != b.Area {
				continue
			}
			pairKey := a.ID + "|" + b.ID
			if _, ok := checked[pairKey]; ok {
				continue
			}
			checked[pairKey] = struct{}{}

			v := r.checker.CheckContradiction(ctx, b.Content, a.Content, Scope{Type: a.Type, Area: a.Area})
			if !v.IsContradiction || v.Confidence < r.cfg.Threshold {
				continue
			}

			keep, lose := DecideWhichToKeep(a, b)
			resolutions = append(resolutions, GroupResolution{Keep: keep, Supersede: lose, Verdict: v})
		}
	}
	return resolutions
}

// DecideWhichToKeep picks the survivor of a contradicting pair. Order of
// precedence: user-validated beats non-validated, higher confidence wins,
// newer createdAt is the final tie-break. Never returns a tie.
func DecideWhichToKeep(a, b KnowledgeItem) (keep, lose KnowledgeItem) {
	if a.ValidatedByUser != b.ValidatedByUser {
		if a.ValidatedByUser {
			return a, b
		}
		return b, a
	}
	if a.Confidence != b.Confidence {
		if a.Confidence > b.Confidence {
			return a, b
		}
		return b, a
	}
	if a.CreatedAtMS >= b.CreatedAtMS {
		return a, b
	}
	return b, a
}
