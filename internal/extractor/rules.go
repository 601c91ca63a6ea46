// Package extractor implements the Extractor (C4): maps a raw Fetcher
// response to a canonical Record using selector rule-sets loaded from
// TOML files tagged by source-version, hot-reloaded from disk with
// fsnotify. No network I/O happens here.
package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/mod/semver"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/logging"
)

// Kind is one of the three response shapes the Extractor understands.
type Kind string

const (
	KindListPage     Kind = "list_page"
	KindDetailPage   Kind = "detail_page"
	KindSupplierPage Kind = "supplier_page"
)

// FieldRule extracts one field's raw string value(s) from a response
// body via a regular expression (stand-in for a CSS/XPath selector
// engine: the extraction primitive this system needs is "pull text
// matching a pattern out of an HTML/JSON blob", which a regex captures
// without pulling in a full HTML parser dependency no example repo in
// the pack carries).
type FieldRule struct {
	Field    string `toml:"field"`
	Pattern  string `toml:"pattern"`
	Multiple bool   `toml:"multiple"` // collect all matches, not just the first
	compiled *regexp.Regexp
}

// RuleSet is one selector rule-set, tagged with the source layout
// version it targets.
type RuleSet struct {
	SourceVersion string      `toml:"source_version"`
	Kind          Kind        `toml:"kind"`
	Fingerprint   string      `toml:"fingerprint"` // expected structural fingerprint, for drift detection
	Fields        []FieldRule `toml:"fields"`
}

// fileFormat is the on-disk shape of one rules/*.toml file: one or more
// RuleSets, typically all for the same Kind but different source
// versions.
type fileFormat struct {
	RuleSet []RuleSet `toml:"ruleset"`
}

// Record is the generic extracted output: a flat string-keyed map the
// Sync Coordinator's mapping layer turns into a canonical Product or
// Supplier. Using a map here (rather than typed structs) is what lets
// rule-sets evolve without a Go recompile.
type Record struct {
	Kind          Kind
	SourceVersion string
	Fields        map[string]string
	Lists         map[string][]string
}

// MalformedError is returned when no rule-set tag matches the response,
// carrying the observed fingerprint for offline rule-update triage.
type MalformedError struct {
	Kind        Kind
	Fingerprint string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: no rule-set matches %s response, fingerprint=%s", errs.ErrMalformed, e.Kind, e.Fingerprint)
}

func (e *MalformedError) Unwrap() error { return errs.ErrMalformed }

// Extractor holds the active rule-sets, grouped by Kind and ordered by
// SourceVersion (newest first), and reloads them on file change.
type Extractor struct {
	mu      sync.RWMutex
	byKind  map[Kind][]RuleSet
	dir     string
	log     logging.Logger
	watcher *fsnotify.Watcher
}

// New loads every *.toml file directly in dir and, if dir exists,
// starts a background fsnotify watch that reloads on write/create/remove/rename.
func New(dir string, log logging.Logger) (*Extractor, error) {
	if log == nil {
		log = logging.New("INFO", nil)
	}
	e := &Extractor{byKind: make(map[Kind][]RuleSet), dir: dir, log: log}
	if err := e.reload(); err != nil {
		return nil, err
	}
	if dir != "" {
		if w, err := fsnotify.NewWatcher(); err == nil {
			e.watcher = w
			if err := w.Add(dir); err == nil {
				go e.watchLoop()
			} else {
				log.Warn("extractor: watching rule directory failed, hot-reload disabled", "dir", dir, "error", err)
			}
		}
	}
	return e, nil
}

func (e *Extractor) watchLoop() {
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := e.reload(); err != nil {
					e.log.Warn("extractor: rule reload failed", "error", err)
				} else {
					e.log.Info("extractor: rules reloaded", "event", ev.Name)
				}
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn("extractor: watcher error", "error", err)
		}
	}
}

// Close stops the background watcher, if any.
func (e *Extractor) Close() error {
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

func (e *Extractor) reload() error {
	byKind := make(map[Kind][]RuleSet)
	if e.dir != "" {
		entries, err := os.ReadDir(e.dir)
		if err != nil {
			if os.IsNotExist(err) {
				e.setRules(byKind)
				return nil
			}
			return fmt.Errorf("reading rules dir: %w", err)
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".toml") {
				continue
			}
			path := filepath.Join(e.dir, ent.Name())
			var ff fileFormat
			if _, err := toml.DecodeFile(path, &ff); err != nil {
				e.log.Warn("extractor: skipping unparsable rule file", "path", path, "error", err)
				continue
			}
			for _, rs := range ff.RuleSet {
				for i := range rs.Fields {
					compiled, err := regexp.Compile(rs.Fields[i].Pattern)
					if err != nil {
						e.log.Warn("extractor: skipping field with invalid pattern", "field", rs.Fields[i].Field, "error", err)
						continue
					}
					rs.Fields[i].compiled = compiled
				}
				byKind[rs.Kind] = append(byKind[rs.Kind], rs)
			}
		}
	}
	for k := range byKind {
		sort.Slice(byKind[k], func(i, j int) bool {
			return semver.Compare(normalizeVersion(byKind[k][i].SourceVersion), normalizeVersion(byKind[k][j].SourceVersion)) > 0
		})
	}
	e.setRules(byKind)
	return nil
}

func normalizeVersion(v string) string {
	if v == "" {
		return "v0.0.0"
	}
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

func (e *Extractor) setRules(byKind map[Kind][]RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byKind = byKind
}

// Fingerprint computes a stable structural fingerprint of body: a hash
// of the sorted set of HTML tag/class tokens present, cheap enough to
// compute on every response and stable across content changes that
// don't touch markup structure.
func Fingerprint(body []byte) string {
	tagRe := regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)[^>]*class="([^"]*)"`)
	matches := tagRe.FindAllSubmatch(body, -1)
	tokens := make(map[string]bool)
	for _, m := range matches {
		tokens[string(m[1])+"."+strings.Join(strings.Fields(string(m[2])), ".")] = true
	}
	sorted := make([]string, 0, len(tokens))
	for t := range tokens {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// Extract applies the first matching rule-set for kind (newest
// SourceVersion tried first) against body. Every rule-set's first field
// pattern acts as the "does this rule-set apply" probe: if it finds no
// match, the rule-set is skipped rather than returning partially empty
// fields.
func (e *Extractor) Extract(body []byte, kind Kind) (*Record, error) {
	e.mu.RLock()
	candidates := append([]RuleSet(nil), e.byKind[kind]...)
	e.mu.RUnlock()

	text := string(body)
	for _, rs := range candidates {
		if len(rs.Fields) == 0 {
			continue
		}
		probe := rs.Fields[0]
		if probe.compiled == nil || !probe.compiled.MatchString(text) {
			continue
		}
		fields := make(map[string]string)
		lists := make(map[string][]string)
		for _, fr := range rs.Fields {
			if fr.compiled == nil {
				continue
			}
			if fr.Multiple {
				matches := fr.compiled.FindAllStringSubmatch(text, -1)
				vals := make([]string, 0, len(matches))
				for _, m := range matches {
					vals = append(vals, firstGroup(m))
				}
				lists[fr.Field] = vals
			} else {
				m := fr.compiled.FindStringSubmatch(text)
				if m != nil {
					fields[fr.Field] = firstGroup(m)
				}
			}
		}
		return &Record{Kind: kind, SourceVersion: rs.SourceVersion, Fields: fields, Lists: lists}, nil
	}
	return nil, &MalformedError{Kind: kind, Fingerprint: Fingerprint(body)}
}

func firstGroup(m []string) string {
	if len(m) > 1 {
		return m[1]
	}
	if len(m) == 1 {
		return m[0]
	}
	return ""
}
