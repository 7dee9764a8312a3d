package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// Config defines the compaction budget and thresholds.
type Config struct {
	// Budget is the context size ceiling in context units.
	Budget int `json:"budget" yaml:"budget"`
	// ApproachingRatio marks the ApproachingLimit state (default 0.70).
	ApproachingRatio float64 `json:"approaching_ratio" yaml:"approaching_ratio"`
	// ForcedRatio triggers a compaction pass (default 0.90).
	ForcedRatio float64 `json:"forced_ratio" yaml:"forced_ratio"`
	// TargetRatio is the post-compaction target (default 0.80). Tiers run
	// in order until the context fits under Budget*TargetRatio.
	TargetRatio float64 `json:"target_ratio" yaml:"target_ratio"`
	// SimilarityThreshold gates Tier-2 folding (default 0.8).
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	// RecentKeep is the number of most recent entries Tier 3 retains
	// besides preserved ones (default 5).
	RecentKeep int `json:"recent_keep" yaml:"recent_keep"`
}

// DefaultConfig returns reasonable defaults for a 1000-unit budget.
func DefaultConfig() Config {
	return Config{
		Budget:              1000,
		ApproachingRatio:    0.70,
		ForcedRatio:         0.90,
		TargetRatio:         0.80,
		SimilarityThreshold: 0.8,
		RecentKeep:          5,
	}
}

func (c Config) normalized() Config {
	if c.Budget <= 0 {
		c.Budget = DefaultConfig().Budget
	}
	if c.ApproachingRatio <= 0 || c.ApproachingRatio >= 1 {
		c.ApproachingRatio = 0.70
	}
	if c.ForcedRatio <= 0 || c.ForcedRatio > 1 {
		c.ForcedRatio = 0.90
	}
	if c.TargetRatio <= 0 || c.TargetRatio > 1 {
		c.TargetRatio = 0.80
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.8
	}
	if c.RecentKeep <= 0 {
		c.RecentKeep = 5
	}
	return c
}

// Summarizer condenses a group of entries into one summary line, e.g.
// via an LLM. Optional; when nil a deterministic fallback is used.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (string, error)
}

// Compactor runs the tiered compaction algorithm over an AgentContext.
type Compactor struct {
	config     Config
	sizer      Sizer
	similarity Similarity
	summarizer Summarizer
	logger     *zap.Logger
}

// NewCompactor creates a Compactor. sizer defaults to estimation,
// similarity to token-set Jaccard; summarizer may be nil.
func NewCompactor(config Config, sizer Sizer, similarity Similarity, summarizer Summarizer, logger *zap.Logger) *Compactor {
	if sizer == nil {
		sizer = NewEstimateSizer()
	}
	if similarity == nil {
		similarity = NewJaccardSimilarity()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		config:     config.normalized(),
		sizer:      sizer,
		similarity: similarity,
		summarizer: summarizer,
		logger:     logger.With(zap.String("component", "compactor")),
	}
}

// Compact runs tiers in order until the context fits under the target,
// appending one Record per tier attempted. On an invariant violation the
// pass is aborted: the context is left unchanged, a flagged record is
// appended, and a COMPACTION_INVARIANT error is returned.
func (c *Compactor) Compact(ctx context.Context, ac *AgentContext) ([]Record, error) {
	ac.setState(StateCompacting)
	defer func() {
		c.refreshState(ac)
	}()

	target := int(float64(c.config.Budget) * c.config.TargetRatio)
	var ran []Record

	for tier := TierCleanup; tier <= TierAggressive; tier++ {
		before := ac.Entries()
		beforeSize := ac.sizeOf(before)
		if beforeSize <= target {
			break
		}

		after, err := c.applyTier(ctx, tier, before)
		if err != nil {
			return ran, err
		}
		afterSize := ac.sizeOf(after)

		rec := Record{
			Tier:          tier,
			OriginalSize:  beforeSize,
			CompactedSize: afterSize,
			PreservedKeys: preservedKeys(before),
			Timestamp:     time.Now(),
		}

		if err := checkInvariants(before, after, beforeSize, afterSize); err != nil {
			rec.Flagged = true
			rec.CompactedSize = beforeSize // context surfaced unchanged
			ac.mu.Lock()
			ac.records = append(ac.records, rec)
			ac.mu.Unlock()

			c.logger.Error("compaction invariant violated, pass aborted",
				zap.String("run_id", ac.runID),
				zap.String("capability", ac.capability),
				zap.Int("tier", int(tier)),
				zap.Error(err),
			)
			return append(ran, rec), err
		}

		ac.mu.Lock()
		ac.entries = after
		ac.records = append(ac.records, rec)
		ac.mu.Unlock()
		ran = append(ran, rec)

		c.logger.Debug("compaction tier applied",
			zap.String("run_id", ac.runID),
			zap.String("capability", ac.capability),
			zap.Int("tier", int(tier)),
			zap.Int("original_size", beforeSize),
			zap.Int("compacted_size", afterSize),
		)
	}

	return ran, nil
}

func (c *Compactor) refreshState(ac *AgentContext) {
	size := ac.Size()
	switch {
	case size >= int(float64(c.config.Budget)*c.config.ApproachingRatio):
		ac.setState(StateApproachingLimit)
	default:
		ac.setState(StateNominal)
	}
}

func (c *Compactor) applyTier(ctx context.Context, tier Tier, entries []Entry) ([]Entry, error) {
	switch tier {
	case TierCleanup:
		return c.tierCleanup(entries), nil
	case TierStructural:
		return c.tierStructural(ctx, entries)
	case TierSemantic:
		return c.tierSemantic(entries), nil
	case TierAggressive:
		return c.tierAggressive(entries), nil
	default:
		return entries, nil
	}
}

// checkInvariants enforces the two compaction invariants: size never
// increases and no preserved entry disappears.
func checkInvariants(before, after []Entry, beforeSize, afterSize int) error {
	if afterSize > beforeSize {
		return types.Errorf(types.ErrCompactionInvariant,
			"compacted size %d exceeds original %d", afterSize, beforeSize)
	}

	surviving := make(map[string]struct{}, len(after))
	for _, e := range after {
		surviving[e.ID] = struct{}{}
	}
	for _, e := range before {
		if !e.Preserved {
			continue
		}
		if _, ok := surviving[e.ID]; !ok {
			return types.Errorf(types.ErrCompactionInvariant,
				"preserved entry %s dropped", e.ID)
		}
	}
	return nil
}

// tierCleanup removes exact-duplicate entries and collapses whitespace
// noise. Lossless apart from formatting.
func (c *Compactor) tierCleanup(entries []Entry) []Entry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.Content = normalizeWhitespace(e.Content)
		key := e.Kind + "\x00" + e.Content
		if _, dup := seen[key]; dup && !e.Preserved {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// tierStructural collapses completed, superseded entries into one summary
// line per kind group, keeping the most recent entry of each group and
// all preserved entries intact.
func (c *Compactor) tierStructural(ctx context.Context, entries []Entry) ([]Entry, error) {
	// Index of the last non-preserved entry per kind: that one survives.
	lastOfKind := make(map[string]int)
	for i, e := range entries {
		if !e.Preserved {
			lastOfKind[e.Kind] = i
		}
	}

	collapsible := make(map[string][]Entry)
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.Preserved || lastOfKind[e.Kind] == i {
			out = append(out, e)
			continue
		}
		collapsible[e.Kind] = append(collapsible[e.Kind], e)
	}

	for kind, group := range collapsible {
		// Collapsing a single entry would only grow it; leave it alone.
		if len(group) < 2 {
			out = append(out, group...)
			continue
		}
		summary, err := c.summarizeGroup(ctx, kind, group)
		if err != nil {
			return nil, err
		}
		// A summary longer than the group it replaces is no help.
		groupSize := 0
		for _, e := range group {
			groupSize += c.sizer.Size(e.Content)
		}
		if c.sizer.Size(summary) >= groupSize {
			out = append(out, group...)
			continue
		}

		ids := make([]string, len(group))
		for i, e := range group {
			ids[i] = e.ID
		}
		out = append(out, Entry{
			ID:        group[0].ID,
			Kind:      kind,
			Content:   summary,
			SummaryOf: ids,
			CreatedAt: group[0].CreatedAt,
		})
	}

	sortByCreation(out)
	return out, nil
}

func (c *Compactor) summarizeGroup(ctx context.Context, kind string, group []Entry) (string, error) {
	if c.summarizer != nil {
		summary, err := c.summarizer.Summarize(ctx, group)
		if err == nil {
			return summary, nil
		}
		c.logger.Warn("summarizer failed, using deterministic fallback", zap.Error(err))
	}
	latest := group[len(group)-1]
	return fmt.Sprintf("[%s] %d earlier entries condensed; latest: %s",
		kind, len(group), firstLine(latest.Content)), nil
}

// tierSemantic keeps one representative among pairwise-similar entries
// and records the rest on the representative's SummaryOf list.
func (c *Compactor) tierSemantic(entries []Entry) []Entry {
	folded := make(map[int]bool, len(entries))
	out := make([]Entry, 0, len(entries))

	for i := 0; i < len(entries); i++ {
		if folded[i] {
			continue
		}
		rep := entries[i]
		for j := i + 1; j < len(entries); j++ {
			if folded[j] || entries[j].Preserved {
				continue
			}
			if entries[i].Kind != entries[j].Kind {
				continue
			}
			if c.similarity.Score(rep.Content, entries[j].Content) >= c.config.SimilarityThreshold {
				rep.SummaryOf = append(rep.SummaryOf, entries[j].ID)
				folded[j] = true
			}
		}
		out = append(out, rep)
	}
	return out
}

// tierAggressive retains only preserved entries and the most recent N.
func (c *Compactor) tierAggressive(entries []Entry) []Entry {
	keepFrom := len(entries) - c.config.RecentKeep
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.Preserved || i >= keepFrom {
			out = append(out, e)
		}
	}
	return out
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func sortByCreation(entries []Entry) {
	// Insertion sort: groups are near-sorted already and passes are small.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].CreatedAt.Before(entries[j-1].CreatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
