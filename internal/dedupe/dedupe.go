// Package dedupe implements the Deduper (C7): an exact match on
// source_id first, then a weighted-composite similarity grouping over
// whole records.
package dedupe

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/operator/marketsync/internal/types"
)

// Weights is the composite similarity scheme: title 0.4, price_min
// 0.3, supplier 0.2, moq 0.1 by default.
type Weights struct {
	Title    float64
	PriceMin float64
	Supplier float64
	MOQ      float64
}

// DefaultWeights is the standard composite weighting.
var DefaultWeights = Weights{Title: 0.4, PriceMin: 0.3, Supplier: 0.2, MOQ: 0.1}

// DefaultTau is the default similarity threshold τ; records within
// distance ≤ 1-τ form a group, i.e. composite similarity ≥ τ.
const DefaultTau = 0.85

// Group is a set of records considered duplicates, with Master holding
// the chosen representative's index into the original input slice.
type Group struct {
	Indices []int
	Master  int
}

// Candidate is the subset of a Product's fields the similarity score
// and master-selection rules need, decoupled from types.Product so the
// Deduper can also be exercised directly in tests without building full
// entities.
type Candidate struct {
	SourceID         string
	Title            string
	PriceMin         float64
	SupplierRef      string
	SupplierVerified bool
	MOQ              int
	SalesCount       int64
	CreatedAtUnix    int64
}

// FromProducts projects Products (paired with their resolved supplier's
// verified flag) into Candidates, preserving order.
func FromProducts(products []*types.Product, supplierVerified map[string]bool) []Candidate {
	out := make([]Candidate, len(products))
	for i, p := range products {
		out[i] = Candidate{
			SourceID:         p.SourceID,
			Title:            p.Title,
			PriceMin:         p.PriceMin,
			SupplierRef:      p.SupplierRef,
			SupplierVerified: supplierVerified[p.SupplierRef],
			MOQ:              p.MOQ,
			SalesCount:       p.SalesCount,
			CreatedAtUnix:    p.CreatedAt.Unix(),
		}
	}
	return out
}

// shingles splits s into overlapping rune trigrams. Chinese titles are
// not whitespace-segmented the way Latin-script titles are, so a
// trigram shingling (rather than word tokenization) is used uniformly;
// it degrades gracefully for both scripts and needs no language
// detection.
func shingles(s string) string {
	runes := []rune(strings.ToLower(strings.TrimSpace(s)))
	if len(runes) < 3 {
		return string(runes)
	}
	var b strings.Builder
	for i := 0; i+3 <= len(runes); i++ {
		b.WriteRune(runes[i])
		b.WriteRune(runes[i+1])
		b.WriteRune(runes[i+2])
		b.WriteByte(' ')
	}
	return b.String()
}

// titleSimilarity scores two titles in [0,1] via normalized Levenshtein
// distance over their trigram shinglings.
func titleSimilarity(a, b string) float64 {
	sa, sb := shingles(a), shingles(b)
	if sa == "" && sb == "" {
		return 1
	}
	dist := fuzzy.LevenshteinDistance(sa, sb)
	maxLen := len(sa)
	if len(sb) > maxLen {
		maxLen = len(sb)
	}
	if maxLen == 0 {
		return 1
	}
	sim := 1 - float64(dist)/float64(maxLen)
	if sim < 0 {
		sim = 0
	}
	return sim
}

func priceSimilarity(a, b float64) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	denom := a
	if b > denom {
		denom = b
	}
	if denom == 0 {
		return 1
	}
	sim := 1 - diff/denom
	if sim < 0 {
		sim = 0
	}
	return sim
}

func supplierSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0
}

func moqSimilarity(a, b int) float64 {
	if a == b {
		return 1
	}
	if a == 0 || b == 0 {
		return 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	denom := a
	if b > denom {
		denom = b
	}
	sim := 1 - float64(diff)/float64(denom)
	if sim < 0 {
		sim = 0
	}
	return sim
}

// Similarity computes the weighted composite score in [0,1] between two
// candidates.
func Similarity(a, b Candidate, w Weights) float64 {
	return w.Title*titleSimilarity(a.Title, b.Title) +
		w.PriceMin*priceSimilarity(a.PriceMin, b.PriceMin) +
		w.Supplier*supplierSimilarity(a.SupplierRef, b.SupplierRef) +
		w.MOQ*moqSimilarity(a.MOQ, b.MOQ)
}

// Group partitions candidates into dedup groups: stage 1 exact match on
// SourceID (candidates sharing a SourceID are always grouped together
// regardless of similarity), stage 2 pairwise composite similarity ≥ tau
// via union-find, so transitive similarity chains merge into one group.
// Deterministic: the same input always yields the same groupings and
// masters.
func GroupCandidates(candidates []Candidate, w Weights, tau float64) []Group {
	n := len(candidates)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra > rb {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	// Stage 1: exact source_id match.
	bySource := make(map[string][]int)
	for i, c := range candidates {
		if c.SourceID != "" {
			bySource[c.SourceID] = append(bySource[c.SourceID], i)
		}
	}
	for _, idxs := range bySource {
		for k := 1; k < len(idxs); k++ {
			union(idxs[0], idxs[k])
		}
	}

	// Stage 2: pairwise composite similarity.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if find(i) == find(j) {
				continue
			}
			if Similarity(candidates[i], candidates[j], w) >= tau {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	roots := make([]int, 0, len(groups))
	for r := range groups {
		roots = append(roots, r)
	}
	sort.Ints(roots)

	out := make([]Group, 0, len(roots))
	for _, r := range roots {
		idxs := groups[r]
		sort.Ints(idxs)
		out = append(out, Group{Indices: idxs, Master: selectMaster(candidates, idxs)})
	}
	return out
}

// selectMaster applies the master-preference order: verified
// supplier → higher sales_count → earlier created_at, ties broken by
// lexicographic source_id.
func selectMaster(candidates []Candidate, idxs []int) int {
	best := idxs[0]
	for _, i := range idxs[1:] {
		if better(candidates[i], candidates[best]) {
			best = i
		}
	}
	return best
}

func better(a, b Candidate) bool {
	if a.SupplierVerified != b.SupplierVerified {
		return a.SupplierVerified
	}
	if a.SalesCount != b.SalesCount {
		return a.SalesCount > b.SalesCount
	}
	if a.CreatedAtUnix != b.CreatedAtUnix {
		return a.CreatedAtUnix < b.CreatedAtUnix
	}
	return a.SourceID < b.SourceID
}
