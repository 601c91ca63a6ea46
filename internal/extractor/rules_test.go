package extractor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/operator/marketsync/internal/errs"
)

const detailRules = `
[[ruleset]]
source_version = "1.2.0"
kind = "detail_page"

  [[ruleset.fields]]
  field = "title"
  pattern = '<h1 class="product-title">([^<]+)</h1>'

  [[ruleset.fields]]
  field = "price"
  pattern = '<span class="price">([^<]+)</span>'

  [[ruleset.fields]]
  field = "detail_image_urls"
  pattern = '<img class="detail" src="([^"]+)"'
  multiple = true

[[ruleset]]
source_version = "1.0.0"
kind = "detail_page"

  [[ruleset.fields]]
  field = "title"
  pattern = '<h2 class="old-title">([^<]+)</h2>'
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "detail.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	return dir
}

func TestExtractAppliesNewestMatchingRuleSet(t *testing.T) {
	e, err := New(writeRules(t, detailRules), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	body := []byte(`<h1 class="product-title">红苹果 500g</h1>
<span class="price">¥12.5 - ¥18</span>
<img class="detail" src="https://img.example.com/a.jpg">
<img class="detail" src="https://img.example.com/b.jpg">`)

	rec, err := e.Extract(body, KindDetailPage)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.SourceVersion != "1.2.0" {
		t.Fatalf("expected newest rule-set, got %s", rec.SourceVersion)
	}
	if rec.Fields["title"] != "红苹果 500g" || rec.Fields["price"] != "¥12.5 - ¥18" {
		t.Fatalf("fields: %+v", rec.Fields)
	}
	if len(rec.Lists["detail_image_urls"]) != 2 {
		t.Fatalf("lists: %+v", rec.Lists)
	}
}

func TestExtractFallsBackToOlderRuleSet(t *testing.T) {
	e, err := New(writeRules(t, detailRules), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	rec, err := e.Extract([]byte(`<h2 class="old-title">Legacy layout</h2>`), KindDetailPage)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.SourceVersion != "1.0.0" {
		t.Fatalf("expected fallback to 1.0.0, got %s", rec.SourceVersion)
	}
}

func TestExtractUnknownLayoutReturnsMalformedWithFingerprint(t *testing.T) {
	e, err := New(writeRules(t, detailRules), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	body := []byte(`<div class="totally new layout"><p class="x">?</p></div>`)
	_, err = e.Extract(body, KindDetailPage)
	if err == nil {
		t.Fatal("expected MalformedError")
	}
	if !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected wrap of ErrMalformed, got %v", err)
	}
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MalformedError, got %T", err)
	}
	if me.Fingerprint == "" || me.Fingerprint != Fingerprint(body) {
		t.Fatalf("fingerprint mismatch: %q vs %q", me.Fingerprint, Fingerprint(body))
	}
}

func TestExtractKindsAreIsolated(t *testing.T) {
	e, err := New(writeRules(t, detailRules), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if _, err := e.Extract([]byte(`<h1 class="product-title">x</h1>`), KindListPage); err == nil {
		t.Fatal("detail_page rules must not serve list_page extraction")
	}
}

func TestFingerprintStableAcrossContentChanges(t *testing.T) {
	a := Fingerprint([]byte(`<div class="card"><span class="price">¥10</span></div>`))
	b := Fingerprint([]byte(`<div class="card"><span class="price">¥9999</span></div>`))
	if a != b {
		t.Fatal("fingerprint must be stable when only text content changes")
	}
	c := Fingerprint([]byte(`<div class="card-v2"><span class="price">¥10</span></div>`))
	if a == c {
		t.Fatal("fingerprint must change when markup structure changes")
	}
}

func TestMissingRulesDirIsEmptyNotFatal(t *testing.T) {
	e, err := New(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()
	if _, err := e.Extract([]byte("<html></html>"), KindListPage); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected Malformed with no rules loaded, got %v", err)
	}
}
