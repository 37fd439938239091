package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/refinery-io/refinery/internal/catalog"
)

func TestLoadOverrides(t *testing.T) {
	content := `sources:
  uniprot:
    organization:
      slug: uniprot
      name: UniProt Consortium
      license: CC-BY-4.0
    source_type: protein
    base_url: https://ftp.example.org/uniprot
    release_notes_path: current/relnotes.txt
    listing_path: previous_releases/
    historical_dir_pattern: release-(\d{4}_\d{2})
    version_dir_template: release-%s
    batch_size: 2000
    missing_refs: fail
  taxdump:
    source_type: taxonomy
    base_url: https://ftp.example.org/taxonomy
`

	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write sources file: %v", err)
	}

	overrides, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides() failed: %v", err)
	}

	if len(overrides) != 2 {
		t.Fatalf("got %d overrides, want 2", len(overrides))
	}

	uniprot := overrides["uniprot"]
	if uniprot.Organization.Name != "UniProt Consortium" || uniprot.BatchSize != 2000 {
		t.Errorf("uniprot override = %+v", uniprot)
	}

	if uniprot.MissingRefs != "fail" {
		t.Errorf("missing_refs = %q", uniprot.MissingRefs)
	}
}

func TestLoadOverridesEmptyPath(t *testing.T) {
	overrides, err := LoadOverrides("")
	if err != nil {
		t.Fatalf("LoadOverrides(\"\") failed: %v", err)
	}

	if len(overrides) != 0 {
		t.Fatalf("got %d overrides, want 0", len(overrides))
	}
}

func TestLoadOverridesMissingFile(t *testing.T) {
	if _, err := LoadOverrides(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadOverrides() succeeded on a missing file")
	}
}

func TestOverrideApply(t *testing.T) {
	base := Descriptor{
		Name:       "uniprot",
		SourceType: catalog.SourceProtein,
		BaseURL:    "https://old.example.org",
		BatchSize:  1000,
	}

	applied := Override{
		Organization: OrganizationOverride{Slug: "uniprot", Name: "UniProt"},
		BaseURL:      "https://mirror.example.org",
		BatchSize:    500,
		MissingRefs:  "fail",
	}.Apply(base)

	if applied.BaseURL != "https://mirror.example.org" || applied.BatchSize != 500 {
		t.Errorf("applied = %+v", applied)
	}

	if applied.MissingRefs != MissingRefFail {
		t.Errorf("missing refs policy = %q", applied.MissingRefs)
	}

	if applied.Organization.Slug != "uniprot" || applied.Organization.Name != "UniProt" {
		t.Errorf("organization = %+v", applied.Organization)
	}

	// Zero fields leave the descriptor untouched.
	untouched := Override{}.Apply(base)
	if untouched.BaseURL != base.BaseURL || untouched.BatchSize != base.BatchSize || untouched.SourceType != base.SourceType {
		t.Errorf("zero override changed descriptor: %+v", untouched)
	}
}

func TestDescriptorURLs(t *testing.T) {
	desc := Descriptor{
		BaseURL:            "https://ftp.example.org/uniprot/",
		ReleaseNotesPath:   "current/relnotes.txt",
		ListingPath:        "previous_releases/",
		VersionDirTemplate: "release-%s",
	}

	if got := desc.ReleaseNotesURL(); got != "https://ftp.example.org/uniprot/current/relnotes.txt" {
		t.Errorf("ReleaseNotesURL() = %q", got)
	}

	if got := desc.ListingURL(); got != "https://ftp.example.org/uniprot/previous_releases/" {
		t.Errorf("ListingURL() = %q", got)
	}

	got := desc.ArtifactURL("2025_06", "data/{version}/uniprot.tsv")
	if got != "https://ftp.example.org/uniprot/release-2025_06/data/2025_06/uniprot.tsv" {
		t.Errorf("ArtifactURL() = %q", got)
	}
}
