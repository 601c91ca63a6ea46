package dedupe

import (
	"reflect"
	"testing"
)

// The three-record master-selection case from the product spec: similar
// CJK/Latin titles, one verified supplier with higher sales wins.
func appleCandidates() []Candidate {
	return []Candidate{
		{SourceID: "A", Title: "红苹果 500g", PriceMin: 10, SupplierRef: "s1", SupplierVerified: true, SalesCount: 100, CreatedAtUnix: 1000},
		{SourceID: "B", Title: "红苹果500g", PriceMin: 10, SupplierRef: "s1", SupplierVerified: false, SalesCount: 500, CreatedAtUnix: 900},
		{SourceID: "C", Title: "红苹果 500 g", PriceMin: 10, SupplierRef: "s1", SupplierVerified: true, SalesCount: 300, CreatedAtUnix: 1100},
	}
}

func TestGroupMergesSimilarRecordsAndSelectsMaster(t *testing.T) {
	groups := GroupCandidates(appleCandidates(), DefaultWeights, DefaultTau)
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d: %+v", len(groups), groups)
	}
	g := groups[0]
	if len(g.Indices) != 3 {
		t.Fatalf("expected all three records grouped, got %v", g.Indices)
	}
	// C: verified beats B, higher sales beats A.
	if g.Master != 2 {
		t.Fatalf("expected master C (index 2), got %d", g.Master)
	}
}

func TestGroupIsStable(t *testing.T) {
	first := GroupCandidates(appleCandidates(), DefaultWeights, DefaultTau)
	second := GroupCandidates(appleCandidates(), DefaultWeights, DefaultTau)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("dedup not stable:\n%+v\n%+v", first, second)
	}
}

func TestExactSourceIDMatchGroupsRegardlessOfSimilarity(t *testing.T) {
	candidates := []Candidate{
		{SourceID: "X", Title: "Stainless bolt M8", PriceMin: 1},
		{SourceID: "X", Title: "完全不同的标题", PriceMin: 999},
	}
	groups := GroupCandidates(candidates, DefaultWeights, DefaultTau)
	if len(groups) != 1 || len(groups[0].Indices) != 2 {
		t.Fatalf("expected exact source_id grouping, got %+v", groups)
	}
}

func TestDissimilarRecordsStaySeparate(t *testing.T) {
	candidates := []Candidate{
		{SourceID: "A", Title: "红苹果 500g", PriceMin: 10, SupplierRef: "s1"},
		{SourceID: "B", Title: "Industrial welding torch", PriceMin: 4200, SupplierRef: "s9"},
	}
	groups := GroupCandidates(candidates, DefaultWeights, DefaultTau)
	if len(groups) != 2 {
		t.Fatalf("expected two singleton groups, got %+v", groups)
	}
}

func TestMasterTieBreaksLexicographically(t *testing.T) {
	candidates := []Candidate{
		{SourceID: "zzz", Title: "same", PriceMin: 5, SupplierRef: "s", SalesCount: 10, CreatedAtUnix: 100},
		{SourceID: "aaa", Title: "same", PriceMin: 5, SupplierRef: "s", SalesCount: 10, CreatedAtUnix: 100},
	}
	groups := GroupCandidates(candidates, DefaultWeights, DefaultTau)
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %+v", groups)
	}
	if candidates[groups[0].Master].SourceID != "aaa" {
		t.Fatalf("expected lexicographic tie-break to pick aaa, got %s", candidates[groups[0].Master].SourceID)
	}
}

func TestSimilarityIdenticalIsOne(t *testing.T) {
	a := Candidate{SourceID: "A", Title: "红苹果 500g", PriceMin: 10, SupplierRef: "s1", MOQ: 50}
	if sim := Similarity(a, a, DefaultWeights); sim < 0.999 {
		t.Fatalf("self-similarity = %f, want ~1", sim)
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	cs := appleCandidates()
	ab := Similarity(cs[0], cs[1], DefaultWeights)
	ba := Similarity(cs[1], cs[0], DefaultWeights)
	if ab != ba {
		t.Fatalf("similarity not symmetric: %f vs %f", ab, ba)
	}
	if ab < DefaultTau {
		t.Fatalf("expected apple pair above tau, got %f", ab)
	}
}
