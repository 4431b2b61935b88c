package consistency

import "fmt"

// Collection pairs authoritative vectors with a denormalized cached
// count kept by callers for cheap display.
type Collection struct {
	Vectors     []Vector `json:"vectors"`
	CachedCount int      `json:"cachedCount"`
}

// Reference is a foreign-key-style link from one record to another.
type Reference struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// State is the denormalized view the state checks run against.
type State struct {
	Collections map[string]*Collection `json:"collections"`
	References  []Reference            `json:"references"`
	// Index maps index keys to record ids.
	Index map[string]string `json:"index"`
}

// Report aggregates findings from one or more checks.
type Report struct {
	Valid   bool               `json:"valid"`
	Issues  []Issue            `json:"issues"`
	Repairs []Repair           `json:"repairs"`
	Checks  map[string][]Issue `json:"checks,omitempty"`
}

// CheckStateConsistency compares each collection's cached count
// against its authoritative length. With AutoRepair on and StrictMode
// off, a stale count is corrected in place, recorded in
// Report.Repairs, and announced through the OnRepair observer;
// otherwise the mismatch is reported as an issue.
func (c *Checker) CheckStateConsistency(state *State) Report {
	report := Report{Valid: true}
	for name, col := range state.Collections {
		actual := len(col.Vectors)
		if col.CachedCount == actual {
			continue
		}
		if !c.cfg.StrictMode && c.cfg.AutoRepair {
			r := Repair{
				Collection: name,
				Field:      "cachedCount",
				Before:     col.CachedCount,
				After:      actual,
			}
			col.CachedCount = actual
			report.Repairs = append(report.Repairs, r)
			c.countRepair(r)
			continue
		}
		report.Valid = false
		report.Issues = append(report.Issues, Issue{
			Check:    "counts",
			Message:  fmt.Sprintf("collection %q caches count %d, has %d vectors", name, col.CachedCount, actual),
			Severity: SeverityError,
		})
	}
	c.countCheck(report.Issues)
	return report
}

// ValidateReferences checks that every reference target resolves to an
// existing record id.
func (c *Checker) ValidateReferences(refs []Reference, targets map[string]struct{}) []Issue {
	var issues []Issue
	for _, ref := range refs {
		if _, ok := targets[ref.Target]; !ok {
			issues = append(issues, Issue{
				Check:    "references",
				Message:  fmt.Sprintf("reference %q -> %q does not resolve", ref.Source, ref.Target),
				Severity: SeverityError,
			})
		}
	}
	return c.countCheck(issues)
}

// CheckIndexIntegrity checks that every index entry points at an
// existing record.
func (c *Checker) CheckIndexIntegrity(index map[string]string, records map[string]struct{}) []Issue {
	var issues []Issue
	for key, id := range index {
		if _, ok := records[id]; !ok {
			issues = append(issues, Issue{
				Check:    "index",
				Message:  fmt.Sprintf("index key %q points at missing record %q", key, id),
				Severity: SeverityError,
			})
		}
	}
	return c.countCheck(issues)
}

// GenerateReport runs every check against state and files each
// check's findings under a named entry in Report.Checks. Repairs
// applied by the state-consistency pass carry over into the combined
// report.
func (c *Checker) GenerateReport(state *State) Report {
	report := Report{Valid: true, Checks: make(map[string][]Issue)}

	recordIDs := make(map[string]struct{})
	var structural []Issue
	for _, col := range state.Collections {
		for _, v := range col.Vectors {
			recordIDs[v.ID] = struct{}{}
			structural = append(structural, c.ValidateVector(v)...)
		}
		structural = append(structural, c.ValidateDimensions(col.Vectors)...)
		structural = append(structural, c.ValidateUniqueIDs(col.Vectors)...)
	}
	report.Checks["structural"] = structural

	counts := c.CheckStateConsistency(state)
	report.Checks["counts"] = counts.Issues
	report.Repairs = counts.Repairs

	report.Checks["references"] = c.ValidateReferences(state.References, recordIDs)
	report.Checks["index"] = c.CheckIndexIntegrity(state.Index, recordIDs)

	for _, issues := range report.Checks {
		report.Issues = append(report.Issues, issues...)
	}
	report.Valid = len(report.Issues) == 0
	return report
}
