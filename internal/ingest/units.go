package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PlanUnits splits total records into batch-sized unit specs with
// contiguous half-open ranges [start, end) and ascending batch numbers
// starting at 0.
//
// total ≤ 0 yields no units. batchSize ≤ 0 is treated as one unit
// covering everything. The union of the returned ranges always equals
// [0, total), whatever the batch size, so batch size 1 and batch size N
// cover identical input.
func PlanUnits(total, batchSize int64) []UnitSpec {
	if total <= 0 {
		return nil
	}

	if batchSize <= 0 {
		batchSize = total
	}

	count := (total + batchSize - 1) / batchSize
	specs := make([]UnitSpec, 0, count)

	for i := int64(0); i < count; i++ {
		start := i * batchSize

		end := start + batchSize
		if end > total {
			end = total
		}

		specs = append(specs, UnitSpec{
			BatchNumber: int(i),
			StartOffset: start,
			EndOffset:   end,
		})
	}

	return specs
}

// NormalizeSlug converts an upstream identifier to its slug form:
// lowercase, trimmed, with interior whitespace collapsed to single
// hyphens. Slugs are stable across versions and unique per organization.
func NormalizeSlug(identifier string) string {
	slug := strings.ToLower(strings.TrimSpace(identifier))

	return strings.Join(strings.Fields(slug), "-")
}

// ContentDigest returns the lowercase hex sha256 of data. Used for
// staged-record content digests and version-file checksums.
func ContentDigest(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
