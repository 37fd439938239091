package catalog

import "testing"

func TestIsBreaking(t *testing.T) {
	tests := []struct {
		name string
		prev ChangeSummary
		next ChangeSummary
		want bool
	}{
		{
			name: "no change is compatible",
			prev: ChangeSummary{DependentCount: 100},
			next: ChangeSummary{DependentCount: 100},
			want: false,
		},
		{
			name: "obsoleted entry breaks",
			prev: ChangeSummary{},
			next: ChangeSummary{Obsolete: true},
			want: true,
		},
		{
			name: "reclassified entry breaks",
			prev: ChangeSummary{},
			next: ChangeSummary{Reclassified: true},
			want: true,
		},
		{
			name: "removed signature breaks",
			prev: ChangeSummary{},
			next: ChangeSummary{SignatureRemoved: true},
			want: true,
		},
		{
			name: "losing exactly half the dependents breaks",
			prev: ChangeSummary{DependentCount: 100},
			next: ChangeSummary{DependentCount: 50},
			want: true,
		},
		{
			name: "losing just under half is compatible",
			prev: ChangeSummary{DependentCount: 100},
			next: ChangeSummary{DependentCount: 51},
			want: false,
		},
		{
			name: "losing all dependents breaks",
			prev: ChangeSummary{DependentCount: 10},
			next: ChangeSummary{DependentCount: 0},
			want: true,
		},
		{
			name: "gaining dependents is compatible",
			prev: ChangeSummary{DependentCount: 10},
			next: ChangeSummary{DependentCount: 200},
			want: false,
		},
		{
			name: "zero prior dependents never triggers the loss rule",
			prev: ChangeSummary{DependentCount: 0},
			next: ChangeSummary{DependentCount: 0},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.next.IsBreaking(tt.prev); got != tt.want {
				t.Errorf("IsBreaking() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextVersion(t *testing.T) {
	tests := []struct {
		name      string
		prior     *Version
		prev      ChangeSummary
		next      ChangeSummary
		wantMajor int
		wantMinor int
	}{
		{
			name:      "first ingestion is 1.0",
			prior:     nil,
			wantMajor: 1,
			wantMinor: 0,
		},
		{
			name:      "compatible change bumps minor",
			prior:     &Version{Major: 2, Minor: 3},
			prev:      ChangeSummary{DependentCount: 100},
			next:      ChangeSummary{DependentCount: 101},
			wantMajor: 2,
			wantMinor: 4,
		},
		{
			name:      "breaking change bumps major and resets minor",
			prior:     &Version{Major: 2, Minor: 3},
			prev:      ChangeSummary{},
			next:      ChangeSummary{Obsolete: true},
			wantMajor: 3,
			wantMinor: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			major, minor := NextVersion(tt.prior, tt.prev, tt.next)

			if major != tt.wantMajor || minor != tt.wantMinor {
				t.Errorf("NextVersion() = %d.%d, want %d.%d", major, minor, tt.wantMajor, tt.wantMinor)
			}
		})
	}
}

// The rule must be deterministic: replaying the same inputs yields the
// same numbers, which is what makes store-batch retries idempotent.
func TestNextVersionDeterministic(t *testing.T) {
	prior := &Version{Major: 4, Minor: 7}
	prev := ChangeSummary{DependentCount: 80}
	next := ChangeSummary{DependentCount: 30}

	m1, n1 := NextVersion(prior, prev, next)
	m2, n2 := NextVersion(prior, prev, next)

	if m1 != m2 || n1 != n2 {
		t.Fatalf("NextVersion not deterministic: %d.%d vs %d.%d", m1, n1, m2, n2)
	}
}

func TestCompareExternalVersions(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		{name: "equal", a: "2025_06", b: "2025_06", want: 0},
		{name: "earlier month", a: "2025_05", b: "2025_06", want: -1},
		{name: "later year", a: "2026_01", b: "2025_12", want: 1},
		{name: "zero padded labels sort chronologically", a: "2025_09", b: "2025_10", want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareExternalVersions(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareExternalVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
