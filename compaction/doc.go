// Package compaction bounds each agent's per-run working memory under a
// configured budget, measured in abstract context units.
//
// Four increasingly aggressive tiers keep a context within budget:
//
//	Tier 0  cleanup: exact-duplicate removal and whitespace noise, lossless
//	Tier 1  structural: superseded entries collapsed per logical group
//	Tier 2  semantic: near-duplicate entries folded into a representative
//	Tier 3  aggressive: preserved entries plus the most recent N survive
//
// Compaction is monotonically non-increasing in size and never removes a
// preserved entry; every pass appends a CompactionRecord to an audit trail.
// Violations abort the pass and leave the context unchanged.
package compaction
