package catalog

import "strings"

// ChangeSummary is the per-record snapshot the internal versioning rule
// compares between the prior Version and a new ingestion. Each source
// type's plugin derives it deterministically from a record payload.
type ChangeSummary struct {
	// Obsolete marks an entry the upstream release has withdrawn.
	Obsolete bool `json:"obsolete"`

	// Reclassified marks a change of the entry's source type.
	Reclassified bool `json:"reclassified"`

	// SignatureRemoved marks removal of the entry's primary signature
	// (e.g. a domain model's HMM, a protein's sequence).
	SignatureRemoved bool `json:"signature_removed"`

	// DependentCount is the number of entities referencing this entry in
	// the release (e.g. proteins matched by a domain).
	DependentCount int `json:"dependent_count"`
}

// breakingDependentLoss is the fraction of lost dependents at which a
// change stops being compatible and forces a major bump.
const breakingDependentLoss = 0.5

// IsBreaking reports whether moving from prev to next is a breaking
// change under the internal versioning rule: the entry was obsoleted,
// reclassified, lost its primary signature, or lost at least half of its
// dependents.
func (next ChangeSummary) IsBreaking(prev ChangeSummary) bool {
	if next.Obsolete || next.Reclassified || next.SignatureRemoved {
		return true
	}

	if prev.DependentCount > 0 {
		lost := prev.DependentCount - next.DependentCount
		if lost > 0 && float64(lost) >= breakingDependentLoss*float64(prev.DependentCount) {
			return true
		}
	}

	return false
}

// NextVersion applies the internal versioning rule.
//
// A first-ever ingestion of an entry produces 1.0. A subsequent
// ingestion of a new external release produces a major bump on breaking
// change and a minor bump otherwise. The rule is deterministic: the same
// prior version and summaries always yield the same numbers, which is
// what makes store-batch retries idempotent.
func NextVersion(prior *Version, prev, next ChangeSummary) (major, minor int) {
	if prior == nil {
		return 1, 0
	}

	if next.IsBreaking(prev) {
		return prior.Major + 1, 0
	}

	return prior.Major, prior.Minor + 1
}

// CompareExternalVersions orders two external version labels. The
// comparison is lexicographic on the raw label bytes: current sources
// use zero-padded YYYY_MM labels, for which lexicographic and
// chronological order coincide. Sources whose labels do not sort this
// way must supply labels that do; parsing labels as dates is
// deliberately not attempted.
//
// Returns -1, 0, or 1 in the manner of strings.Compare.
func CompareExternalVersions(a, b string) int {
	return strings.Compare(a, b)
}
