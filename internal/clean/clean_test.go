package clean

import (
	"testing"
	"time"
)

func TestTextCollapsesWhitespaceAndIsIdempotent(t *testing.T) {
	in := "  红苹果\t 500g \n netted "
	once := Text(in)
	if once != "红苹果 500g netted" {
		t.Fatalf("Text(%q) = %q", in, once)
	}
	if Text(once) != once {
		t.Fatalf("Text not idempotent: %q -> %q", once, Text(once))
	}
}

func TestURLStripsTrackingParams(t *testing.T) {
	in := "HTTPS://Example.COM/item/123?spm=a26g8&color=red&utm_source=feed"
	got := URL(in)
	want := "https://example.com/item/123?color=red"
	if got != want {
		t.Fatalf("URL(%q) = %q, want %q", in, got, want)
	}
	if URL(got) != got {
		t.Fatalf("URL not idempotent: %q -> %q", got, URL(got))
	}
}

func TestPriceSingleAmount(t *testing.T) {
	pr, ok := Price("¥12.50")
	if !ok {
		t.Fatal("expected parse")
	}
	if pr.Min != 12.5 || pr.Max != 12.5 || pr.Currency != "CNY" {
		t.Fatalf("got %+v", pr)
	}
}

func TestPriceRangeWithUnit(t *testing.T) {
	pr, ok := Price("¥12.5 - ¥18/pcs")
	if !ok {
		t.Fatal("expected parse")
	}
	if pr.Min != 12.5 || pr.Max != 18 {
		t.Fatalf("min/max: %+v", pr)
	}
	if pr.Unit != "piece" {
		t.Fatalf("unit: got %q, want piece", pr.Unit)
	}
}

func TestPriceSwapsInvertedRange(t *testing.T) {
	pr, ok := Price("¥18 - ¥12")
	if !ok {
		t.Fatal("expected parse")
	}
	if pr.Min != 12 || pr.Max != 18 {
		t.Fatalf("expected range normalized, got %+v", pr)
	}
}

func TestPriceRejectsGarbage(t *testing.T) {
	if _, ok := Price("call for quote"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestUnitCanonicalVocabulary(t *testing.T) {
	cases := map[string]string{
		"pcs": "piece", "个": "piece", "公斤": "kg", "平方米": "m²",
		"Pairs": "pair", "套": "set", "carton": "carton",
	}
	for in, want := range cases {
		if got := Unit(in); got != want {
			t.Errorf("Unit(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDateCoercesToUTC(t *testing.T) {
	got, ok := Date("2024-03-15 08:30:00")
	if !ok {
		t.Fatal("expected parse")
	}
	want := time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, ok := Date("not a date"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestContactStripsPhoneNoise(t *testing.T) {
	got := Contact(map[string]string{
		"phone": "+86 (0571) 8765-4321",
		"email": "  sales@example.com ",
	})
	if got["phone"] != "+86057187654321" {
		t.Fatalf("phone: got %q", got["phone"])
	}
	if got["email"] != "sales@example.com" {
		t.Fatalf("email: got %q", got["email"])
	}
}

func TestSpecificationsCleanIsIdempotent(t *testing.T) {
	raw := map[string]string{" Color ": " Deep  Red ", "Weight": "500 g"}
	once := Specifications(raw)
	twice := Specifications(once)
	if len(once) != len(twice) {
		t.Fatalf("len changed: %d vs %d", len(once), len(twice))
	}
	for k, v := range once {
		if twice[k] != v {
			t.Fatalf("key %q changed: %q vs %q", k, v, twice[k])
		}
	}
	if once["Color"] != "Deep Red" {
		t.Fatalf("got %+v", once)
	}
}
