package validate

import (
	"strings"
	"testing"

	"github.com/operator/marketsync/internal/types"
)

func validProduct() *types.Product {
	return &types.Product{
		SourceID:    "1688:p1",
		Title:       "红苹果 500g",
		PriceMin:    10,
		PriceMax:    15,
		Currency:    "CNY",
		SupplierRef: "sup-1",
		Rating:      4.5,
	}
}

func TestValidProductPassesWithoutErrors(t *testing.T) {
	d := ValidateProduct(validProduct(), DefaultProductRules(func(string) bool { return true }))
	if d.HasErrors() {
		t.Fatalf("expected no errors, got %+v", d.Issues)
	}
}

func TestMissingRequiredFieldsBlockPersistence(t *testing.T) {
	p := validProduct()
	p.SourceID = ""
	p.Title = ""
	d := ValidateProduct(p, DefaultProductRules(nil))
	if !d.HasErrors() {
		t.Fatal("expected errors")
	}
	fields := map[string]bool{}
	for _, i := range d.Issues {
		if i.Severity == SeverityError {
			fields[i.Field] = true
		}
	}
	if !fields["source_id"] || !fields["title"] {
		t.Fatalf("expected source_id and title errors, got %+v", d.Issues)
	}
}

func TestPriceInvariantError(t *testing.T) {
	p := validProduct()
	p.PriceMin = 20
	p.PriceMax = 10
	d := ValidateProduct(p, DefaultProductRules(func(string) bool { return true }))
	if !d.HasErrors() {
		t.Fatal("expected price invariant error")
	}
}

func TestUnresolvedSupplierRefIsError(t *testing.T) {
	d := ValidateProduct(validProduct(), DefaultProductRules(func(string) bool { return false }))
	if !d.HasErrors() {
		t.Fatal("expected referential error")
	}
	found := false
	for _, i := range d.Issues {
		if i.Field == "supplier_ref" && i.Code == "referential" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected supplier_ref referential issue, got %+v", d.Issues)
	}
}

func TestWarningsDoNotBlock(t *testing.T) {
	p := validProduct()
	p.Currency = ""
	p.Rating = 9
	p.Description = strings.Repeat("x", 20001)
	d := ValidateProduct(p, DefaultProductRules(func(string) bool { return true }))
	if d.HasErrors() {
		t.Fatalf("warnings must not block, got %+v", d.Issues)
	}
	if len(d.Issues) < 3 {
		t.Fatalf("expected at least 3 warnings, got %+v", d.Issues)
	}
}

func TestRulesCollectEveryFinding(t *testing.T) {
	p := &types.Product{} // everything missing
	d := ValidateProduct(p, DefaultProductRules(nil))
	// source_id, title, supplier_ref all required; no short-circuit.
	errors := 0
	for _, i := range d.Issues {
		if i.Severity == SeverityError {
			errors++
		}
	}
	if errors < 3 {
		t.Fatalf("expected at least 3 errors collected, got %+v", d.Issues)
	}
}

func TestSupplierRules(t *testing.T) {
	s := &types.Supplier{SourceID: "1688:s1", Name: "Acme", BusinessType: types.BusinessManufacturer, ResponseRate: 0.93, Rating: 4.8}
	if d := ValidateSupplier(s, DefaultSupplierRules()); d.HasErrors() {
		t.Fatalf("expected valid supplier, got %+v", d.Issues)
	}

	s.Name = ""
	s.BusinessType = "franchise"
	s.ResponseRate = 1.4
	d := ValidateSupplier(s, DefaultSupplierRules())
	if !d.HasErrors() {
		t.Fatal("expected name error")
	}
	warnings := 0
	for _, i := range d.Issues {
		if i.Severity == SeverityWarning {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("expected business_type and response_rate warnings, got %+v", d.Issues)
	}
}
