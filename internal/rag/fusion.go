package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"time"
)

// VectorHit is a raw nearest-neighbor hit prior to normalization.
type VectorHit struct {
	Content  string
	Metadata map[string]interface{}

	// Distance is the cosine distance reported by the backend.
	Distance float64
}

// KeywordHit is a raw full-text hit prior to normalization.
type KeywordHit struct {
	Content  string
	Metadata map[string]interface{}

	// Rank is the backend's lexical ranking value (ts_rank or equivalent).
	Rank float64
}

// ContentHash returns the dedup key for content: the SHA-256 hex digest of
// the lowercased, whitespace-collapsed text. Stable under case and
// whitespace differences.
func ContentHash(content string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(collapsed))
	return hex.EncodeToString(sum[:])
}

// NormalizeVector converts raw vector hits into contexts with
// score = 1 - distance, clamped to [0,1]. Empty input yields an empty,
// non-nil slice.
func NormalizeVector(hits []VectorHit, source string) []Context {
	out := make([]Context, 0, len(hits))
	for _, h := range hits {
		out = append(out, Context{
			Content:  h.Content,
			Metadata: h.Metadata,
			Source:   source,
			Score:    clamp01(1 - h.Distance),
		})
	}
	return out
}

// NormalizeKeyword converts raw keyword hits into contexts with each rank
// rescaled by the maximum rank in the batch. If the batch maximum is zero,
// every score is zero.
func NormalizeKeyword(hits []KeywordHit, source string) []Context {
	var max float64
	for _, h := range hits {
		if r := sanitize(h.Rank); r > max {
			max = r
		}
	}
	out := make([]Context, 0, len(hits))
	for _, h := range hits {
		var score float64
		if max > 0 {
			score = clamp01(sanitize(h.Rank) / max)
		}
		out = append(out, Context{
			Content:  h.Content,
			Metadata: h.Metadata,
			Source:   source,
			Score:    score,
		})
	}
	return out
}

// fusedEntry accumulates the weighted score for one distinct content hash.
type fusedEntry struct {
	ctx Context

	fused  float64
	rawMax float64

	// created is the newest creation timestamp seen across variants of
	// the hash, used to break cross-collection ties (newer first).
	created time.Time

	// minPos is the earliest within-list position at which the hash
	// appeared. Using the per-list position keeps tie-breaks invariant
	// to the order of the input lists.
	minPos int
}

// Fuse combines parallel result lists into a single ranked list,
// deduplicated by content hash. The fused score for a hash is the
// weighted sum of its per-list scores; lists that do not contain the hash
// contribute zero. Ties are broken by higher raw maximum score, then by
// newer created metadata, then by earlier within-list appearance.
//
// Weights must be non-negative and are rescaled to sum to 1 so fused scores
// stay on [0,1] regardless of caller input. Fuse is idempotent for
// identical inputs and commutative across the order of the input lists.
func Fuse(lists [][]Context, weights []float64) []Context {
	if len(lists) == 0 {
		return []Context{}
	}
	w := normalizeWeights(weights, len(lists))

	entries := make(map[string]*fusedEntry)
	for i, list := range lists {
		// A hash may occur more than once within one list (e.g. the same
		// ticket from both collections); only its best score counts for
		// this list's contribution.
		bestInList := make(map[string]float64)
		for pos, c := range list {
			h := ContentHash(c.Content)
			score := clamp01(sanitize(c.Score))

			e, ok := entries[h]
			if !ok {
				e = &fusedEntry{ctx: c, rawMax: score, created: createdAt(c), minPos: pos}
				entries[h] = e
			} else {
				if pos < e.minPos {
					e.minPos = pos
				}
				if t := createdAt(c); t.After(e.created) {
					e.created = t
				}
				// Keep the highest-scoring variant as the representative;
				// break exact ties on content so the result does not depend
				// on input list order.
				if score > e.rawMax || (score == e.rawMax && c.Content < e.ctx.Content) {
					e.ctx = c
				}
				if score > e.rawMax {
					e.rawMax = score
				}
			}

			if prev, seen := bestInList[h]; !seen || score > prev {
				bestInList[h] = score
			}
		}
		for h, score := range bestInList {
			entries[h].fused += w[i] * score
		}
	}

	out := make([]Context, 0, len(entries))
	order := make([]*fusedEntry, 0, len(entries))
	for _, e := range entries {
		e.fused = clamp01(e.fused)
		order = append(order, e)
	}
	sort.Slice(order, func(a, b int) bool {
		ea, eb := order[a], order[b]
		if ea.fused != eb.fused {
			return ea.fused > eb.fused
		}
		if ea.rawMax != eb.rawMax {
			return ea.rawMax > eb.rawMax
		}
		if !ea.created.Equal(eb.created) {
			return ea.created.After(eb.created)
		}
		if ea.minPos != eb.minPos {
			return ea.minPos < eb.minPos
		}
		return ea.ctx.Content < eb.ctx.Content
	})
	for _, e := range order {
		c := e.ctx
		c.Score = e.fused
		out = append(out, c)
	}
	return out
}

// TopK returns the k highest-scoring contexts. Selection is stable: entries
// with equal scores keep their input order. k larger than the list returns
// a copy of the whole list.
func TopK(list []Context, k int) []Context {
	if k < 0 {
		k = 0
	}
	sorted := make([]Context, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Score > sorted[b].Score
	})
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// normalizeWeights rescales weights to sum to 1, treating negative entries
// as zero. Missing weights and an all-zero vector fall back to equal
// weighting.
func normalizeWeights(weights []float64, n int) []float64 {
	w := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		if i < len(weights) && weights[i] > 0 && !math.IsNaN(weights[i]) && !math.IsInf(weights[i], 0) {
			w[i] = weights[i]
			sum += weights[i]
		}
	}
	if sum == 0 {
		for i := range w {
			w[i] = 1 / float64(n)
		}
		return w
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// createdAt reads the created metadata as an RFC 3339 timestamp. Missing or
// unparseable values yield the zero time, which sorts oldest.
func createdAt(c Context) time.Time {
	s, ok := c.Metadata[MetaCreated].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sanitize maps NaN and infinities to 0 so bad backend values cannot leak
// into scores.
func sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func clamp01(f float64) float64 {
	f = sanitize(f)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
