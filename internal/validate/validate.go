// Package validate implements the Validator (C6): a configured rule-set
// per entity kind, composed as a chain of closures, collecting every
// (field, severity, code, message) finding rather than stopping at the
// first error.
package validate

import (
	"fmt"
	"regexp"

	"github.com/operator/marketsync/internal/types"
)

// Severity grades a single validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one (field, severity, code, message) finding.
type Issue struct {
	Field    string
	Severity Severity
	Code     string
	Message  string
}

// Diagnosis is the full set of findings for one record. HasErrors
// reports whether persistence must be blocked.
type Diagnosis struct {
	Issues []Issue
}

func (d *Diagnosis) add(field string, sev Severity, code, msg string) {
	d.Issues = append(d.Issues, Issue{Field: field, Severity: sev, Code: code, Message: msg})
}

// HasErrors reports whether any finding is SeverityError.
func (d *Diagnosis) HasErrors() bool {
	for _, i := range d.Issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ProductRule validates a candidate Product, given a lookup of whether
// its SupplierRef resolves to an existing, non-deleted Supplier (the
// Validator has no direct storage dependency; callers inject the
// referential check as a closure).
type ProductRule func(p *types.Product, d *Diagnosis)

// SupplierRule validates a candidate Supplier.
type SupplierRule func(s *types.Supplier, d *Diagnosis)

// ChainProduct composes rules into one, running every rule so the Diagnosis
// carries every finding, not just the first.
func ChainProduct(rules ...ProductRule) ProductRule {
	return func(p *types.Product, d *Diagnosis) {
		for _, r := range rules {
			r(p, d)
		}
	}
}

func ChainSupplier(rules ...SupplierRule) SupplierRule {
	return func(s *types.Supplier, d *Diagnosis) {
		for _, r := range rules {
			r(s, d)
		}
	}
}

const maxTitleLen = 512
const maxDescriptionLen = 20000

var categoryIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SupplierExists is satisfied by callers that can resolve a Supplier's
// existence without pulling in the storage package directly, avoiding an
// import cycle between validate and storage.
type SupplierExists func(supplierRef string) bool

// DefaultProductRules is the standard rule-set for Product: required
// fields, max lengths, numeric ranges, referential key.
func DefaultProductRules(supplierExists SupplierExists) ProductRule {
	return ChainProduct(
		func(p *types.Product, d *Diagnosis) {
			if p.SourceID == "" {
				d.add("source_id", SeverityError, "required", "source_id is required")
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if p.Title == "" {
				d.add("title", SeverityError, "required", "title is required")
			} else if len(p.Title) > maxTitleLen {
				d.add("title", SeverityError, "max_length", fmt.Sprintf("title exceeds %d bytes", maxTitleLen))
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if len(p.Description) > maxDescriptionLen {
				d.add("description", SeverityWarning, "max_length", fmt.Sprintf("description exceeds %d bytes, will be truncated", maxDescriptionLen))
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if p.PriceMin < 0 || p.PriceMax < 0 {
				d.add("price", SeverityError, "range", "price_min/price_max must be non-negative")
				return
			}
			if p.PriceMin > p.PriceMax {
				d.add("price", SeverityError, "invariant", "price_min must be <= price_max")
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if p.MOQ < 0 {
				d.add("moq", SeverityError, "range", "moq must be non-negative")
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if p.Currency == "" {
				d.add("currency", SeverityWarning, "required", "currency is unset, defaulting downstream")
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if p.CategoryID != "" && !categoryIDRe.MatchString(p.CategoryID) {
				d.add("category_id", SeverityWarning, "format", "category_id contains unexpected characters")
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if p.SupplierRef == "" {
				d.add("supplier_ref", SeverityError, "required", "supplier_ref is required")
				return
			}
			if supplierExists != nil && !supplierExists(p.SupplierRef) {
				d.add("supplier_ref", SeverityError, "referential", fmt.Sprintf("supplier_ref %q does not resolve to an existing supplier", p.SupplierRef))
			}
		},
		func(p *types.Product, d *Diagnosis) {
			if p.Rating < 0 || p.Rating > 5 {
				d.add("rating", SeverityWarning, "range", "rating outside expected 0..5 range")
			}
		},
	)
}

// DefaultSupplierRules is the standard rule-set for Supplier.
func DefaultSupplierRules() SupplierRule {
	return ChainSupplier(
		func(s *types.Supplier, d *Diagnosis) {
			if s.SourceID == "" {
				d.add("source_id", SeverityError, "required", "source_id is required")
			}
		},
		func(s *types.Supplier, d *Diagnosis) {
			if s.Name == "" {
				d.add("name", SeverityError, "required", "name is required")
			}
		},
		func(s *types.Supplier, d *Diagnosis) {
			switch s.BusinessType {
			case types.BusinessManufacturer, types.BusinessTrader, types.BusinessIndividual, "":
			default:
				d.add("business_type", SeverityWarning, "enum", fmt.Sprintf("unrecognized business_type %q", s.BusinessType))
			}
		},
		func(s *types.Supplier, d *Diagnosis) {
			if s.ResponseRate < 0 || s.ResponseRate > 1 {
				d.add("response_rate", SeverityWarning, "range", "response_rate outside expected 0..1 range")
			}
		},
		func(s *types.Supplier, d *Diagnosis) {
			if s.Rating < 0 || s.Rating > 5 {
				d.add("rating", SeverityWarning, "range", "rating outside expected 0..5 range")
			}
		},
	)
}

// ValidateProduct runs rules over p and returns the resulting Diagnosis.
func ValidateProduct(p *types.Product, rules ProductRule) *Diagnosis {
	d := &Diagnosis{}
	rules(p, d)
	return d
}

// ValidateSupplier runs rules over s and returns the resulting Diagnosis.
func ValidateSupplier(s *types.Supplier, rules SupplierRule) *Diagnosis {
	d := &Diagnosis{}
	rules(s, d)
	return d
}
