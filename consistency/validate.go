package consistency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// ValidateVector checks a single vector. NaN components are reported
// with critical severity; a missing id is an error. Findings
// accumulate so one vector can surface both.
func (c *Checker) ValidateVector(v Vector) []Issue {
	var issues []Issue
	if v.ID == "" {
		issues = append(issues, Issue{
			Check:    "vector",
			Message:  "vector has no id",
			Severity: SeverityError,
		})
	}
	var nan []int
	for i, val := range v.Values {
		if math.IsNaN(val) {
			nan = append(nan, i)
		}
	}
	if len(nan) > 0 {
		issues = append(issues, Issue{
			Check:    "vector",
			Message:  fmt.Sprintf("vector %q contains NaN at components %v", v.ID, nan),
			Severity: SeverityCritical,
		})
	}
	return c.countCheck(issues)
}

// ValidateDimensions checks that every vector in the collection has
// the dimensionality of the first one. Each deviating vector is
// reported separately.
func (c *Checker) ValidateDimensions(vectors []Vector) []Issue {
	var issues []Issue
	if len(vectors) == 0 {
		return c.countCheck(nil)
	}
	want := len(vectors[0].Values)
	for _, v := range vectors[1:] {
		if len(v.Values) != want {
			issues = append(issues, Issue{
				Check:    "dimensions",
				Message:  fmt.Sprintf("vector %q has %d dimensions, collection uses %d", v.ID, len(v.Values), want),
				Severity: SeverityError,
			})
		}
	}
	return c.countCheck(issues)
}

// ValidateUniqueIDs reports every id that appears more than once in
// the collection.
func (c *Checker) ValidateUniqueIDs(vectors []Vector) []Issue {
	seen := make(map[string]int, len(vectors))
	for _, v := range vectors {
		seen[v.ID]++
	}
	var issues []Issue
	reported := make(map[string]bool)
	for _, v := range vectors {
		if seen[v.ID] > 1 && !reported[v.ID] {
			reported[v.ID] = true
			issues = append(issues, Issue{
				Check:    "unique_ids",
				Message:  fmt.Sprintf("id %q appears %d times", v.ID, seen[v.ID]),
				Severity: SeverityError,
			})
		}
	}
	return c.countCheck(issues)
}

// ComputeChecksum returns the hex sha256 of v's canonical JSON
// serialization. Equal values always produce equal checksums; map keys
// are serialized in sorted order.
func ComputeChecksum(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("consistency: serialize for checksum: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum reports whether v still serializes to the given
// checksum.
func VerifyChecksum(v any, want string) bool {
	got, err := ComputeChecksum(v)
	return err == nil && got == want
}
