// Package version implements the Versioner (C8): checksum-gated version
// writes with a structural field-level diff of the previous canonical
// snapshot against the new one.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/operator/marketsync/internal/types"
)

// Checksum returns the hex-encoded SHA-256 of snapshot, the value stored
// on every VersionRecord and compared to detect no-op re-syncs.
func Checksum(snapshot []byte) string {
	sum := sha256.Sum256(snapshot)
	return hex.EncodeToString(sum[:])
}

// Canonicalize serializes fields (a map of field name to value, typically
// built by a caller from a Product or Supplier) into byte-stable JSON:
// keys sorted, so the same logical record always encodes to the same
// bytes regardless of map iteration order.
func Canonicalize(fields map[string]any) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = fields[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		// json.Marshal only fails on un-marshalable types (channels,
		// funcs); canonical field maps never contain those.
		panic(fmt.Sprintf("version: canonicalize: %v", err))
	}
	return b
}

// Diff computes the structural diff between two canonicalized field
// maps: every key present in either side whose value differs.
func Diff(prev, next map[string]any) []types.FieldDiff {
	var diffs []types.FieldDiff
	keys := make(map[string]bool, len(prev)+len(next))
	for k := range prev {
		keys[k] = true
	}
	for k := range next {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		before, hadBefore := prev[k]
		after, hadAfter := next[k]
		if hadBefore && hadAfter && equalJSON(before, after) {
			continue
		}
		if !hadBefore && !hadAfter {
			continue
		}
		fd := types.FieldDiff{Field: k}
		if hadBefore {
			fd.Before = before
		}
		if hadAfter {
			fd.After = after
		}
		diffs = append(diffs, fd)
	}
	return diffs
}

// equalJSON compares two values by their canonical JSON encoding, since
// fields decoded from a prior snapshot may be map[string]interface{}
// while the newly-built fields are concrete Go types.
func equalJSON(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Input is what the Versioner needs to decide whether to write a new
// version for one entity change.
type Input struct {
	EntityType string
	EntityID   string
	ChangeKind types.ChangeKind
	Author     string
	Fields     map[string]any // canonical field map for the new state
	Previous   *types.VersionRecord
}

// Next computes the VersionRecord to write for in, or nil if the change
// is a no-op. CREATE, RESTORE, and
// DELETE are always written even when the diff is trivial, since they
// themselves are the meaningful event.
func Next(in Input, now time.Time) *types.VersionRecord {
	snapshot := Canonicalize(in.Fields)
	checksum := Checksum(snapshot)

	forceWrite := in.ChangeKind == types.ChangeCreate || in.ChangeKind == types.ChangeDelete || in.ChangeKind == types.ChangeRestore
	if !forceWrite && in.Previous != nil && in.Previous.Checksum == checksum {
		return nil
	}

	versionNo := 1
	var prevFields map[string]any
	if in.Previous != nil {
		versionNo = in.Previous.VersionNo + 1
		_ = json.Unmarshal(in.Previous.Snapshot, &prevFields)
		// prevFields here is a flat array-of-{k,v} shape from
		// Canonicalize, not a map; reconstruct it for Diff.
		prevFields = decanonicalize(in.Previous.Snapshot)
	}

	return &types.VersionRecord{
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		VersionNo:  versionNo,
		ChangeKind: in.ChangeKind,
		Author:     in.Author,
		Timestamp:  now,
		Checksum:   checksum,
		Snapshot:   snapshot,
		Diff:       Diff(prevFields, in.Fields),
	}
}

func decanonicalize(snapshot []byte) map[string]any {
	var pairs []struct {
		K string `json:"k"`
		V any    `json:"v"`
	}
	if err := json.Unmarshal(snapshot, &pairs); err != nil {
		return nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		out[p.K] = p.V
	}
	return out
}

// Verify reports whether v's stored Checksum matches its Snapshot bytes.
func Verify(v *types.VersionRecord) bool {
	return Checksum(v.Snapshot) == v.Checksum
}
