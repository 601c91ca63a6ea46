// Package clean implements the Cleaner (C5): normalization of whitespace,
// URLs, currency/price ranges, units, and dates into the canonical forms
// the Validator, Deduper, and Versioner all assume. Every function here
// is idempotent: Clean(Clean(x)) == Clean(x).
package clean

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// trackingParams are stripped from any URL the Cleaner touches, the way
// most ingestion pipelines drop affiliate/tracking query params before
// storing a canonical link.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "spm": true, "scm": true,
	"_t": true, "trackId": true,
}

var whitespaceRe = regexp.MustCompile(`[ \t\r\n\f\v]+`)

// Text collapses runs of whitespace to a single space and trims the ends.
// Safe to call repeatedly: collapsing an already-collapsed string is a
// no-op.
func Text(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// URL strips tracking query parameters and normalizes the scheme/host to
// lowercase, leaving path/remaining query untouched.
func URL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if trackingParams[key] {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// currencySymbols maps source-site currency glyphs onto ISO 4217 codes.
var currencySymbols = map[string]string{
	"¥": "CNY", "￥": "CNY", "$": "USD", "€": "EUR", "£": "GBP",
}

// canonicalUnits is the fixed target unit vocabulary.
var canonicalUnits = map[string]string{
	"piece": "piece", "pieces": "piece", "pc": "piece", "pcs": "piece", "个": "piece", "件": "piece",
	"kg": "kg", "kilogram": "kg", "kilograms": "kg", "公斤": "kg", "千克": "kg",
	"m": "m", "meter": "m", "meters": "m", "米": "m",
	"m2": "m²", "m²": "m²", "sqm": "m²", "平方米": "m²",
	"pair": "pair", "pairs": "pair", "双": "pair",
	"set": "set", "sets": "set", "套": "set",
}

// Unit normalizes a source unit string to the canonical vocabulary,
// returning the input unchanged (trimmed) when no mapping applies.
func Unit(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if canon, ok := canonicalUnits[key]; ok {
		return canon
	}
	return strings.TrimSpace(raw)
}

var priceRangeRe = regexp.MustCompile(`(?i)^\s*([¥￥$€£])?\s*([\d,]+(?:\.\d+)?)\s*(?:-|~|to)\s*([¥￥$€£])?\s*([\d,]+(?:\.\d+)?)\s*(?:/\s*(\S+))?\s*$`)
var priceSingleRe = regexp.MustCompile(`(?i)^\s*([¥￥$€£])?\s*([\d,]+(?:\.\d+)?)\s*(?:/\s*(\S+))?\s*$`)

// PriceRange is the result of parsing a source price string such as
// "¥12.5 - ¥18/piece".
type PriceRange struct {
	Min      float64
	Max      float64
	Currency string
	Unit     string
}

// Price parses the source site's price formats: `¥X`, `¥X - ¥Y`,
// `¥X/unit`. An unrecognized format returns the zero PriceRange and false.
func Price(raw string) (PriceRange, bool) {
	s := strings.TrimSpace(raw)
	if m := priceRangeRe.FindStringSubmatch(s); m != nil {
		min := parseAmount(m[2])
		max := parseAmount(m[4])
		if min > max {
			min, max = max, min
		}
		currency := currencyOf(m[1], m[3])
		return PriceRange{Min: min, Max: max, Currency: currency, Unit: Unit(m[5])}, true
	}
	if m := priceSingleRe.FindStringSubmatch(s); m != nil {
		amount := parseAmount(m[2])
		currency := currencyOf(m[1], "")
		return PriceRange{Min: amount, Max: amount, Currency: currency, Unit: Unit(m[3])}, true
	}
	return PriceRange{}, false
}

func currencyOf(symbols ...string) string {
	for _, s := range symbols {
		if code, ok := currencySymbols[s]; ok {
			return code
		}
	}
	return "CNY" // source marketplace's default
}

func parseAmount(s string) float64 {
	s = strings.ReplaceAll(s, ",", "")
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// dateLayouts are the timestamp formats 1688-style marketplaces emit,
// tried in order until one parses.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"2006年01月02日",
}

// Date coerces raw into UTC ISO-8601, returning the zero time and false
// if none of the known source layouts match.
func Date(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var phoneRe = regexp.MustCompile(`[^\d+]`)

// Contact normalizes a contact map's values: every value is
// whitespace-cleaned, and phone-shaped values (key containing phone,
// mobile or tel) additionally have every character other than digits
// and '+' stripped. Keys are left untouched.
func Contact(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		v = Text(v)
		lk := strings.ToLower(k)
		if strings.Contains(lk, "phone") || strings.Contains(lk, "mobile") || strings.Contains(lk, "tel") {
			v = phoneRe.ReplaceAllString(v, "")
		}
		out[k] = v
	}
	return out
}

// Specifications whitespace-cleans every key and value of a free-form
// attribute map and returns the cleaned copy. The copy is a plain map
// with no key order; callers that need a deterministic order for a
// stable canonical encoding use SortedKeys.
func Specifications(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[Text(k)] = Text(v)
	}
	return out
}

// SortedKeys returns m's keys in lexicographic order, a helper for
// callers (the Versioner) that need a deterministic iteration order over
// a cleaned Specifications map.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
