package sources

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/refinery-io/refinery/internal/catalog"
)

// Override is a per-source deployment override loaded from the sources
// file. Zero fields leave the plugin's built-in descriptor untouched.
type Override struct {
	Organization         OrganizationOverride `yaml:"organization"`
	SourceType           string               `yaml:"source_type"`
	BaseURL              string               `yaml:"base_url"`
	ReleaseNotesPath     string               `yaml:"release_notes_path"`
	ListingPath          string               `yaml:"listing_path"`
	HistoricalDirPattern string               `yaml:"historical_dir_pattern"`
	VersionDirTemplate   string               `yaml:"version_dir_template"`
	BatchSize            int                  `yaml:"batch_size"`
	MissingRefs          string               `yaml:"missing_refs"`
}

// OrganizationOverride is the organization block of a sources-file
// entry.
type OrganizationOverride struct {
	Slug     string `yaml:"slug"`
	Name     string `yaml:"name"`
	License  string `yaml:"license"`
	Citation string `yaml:"citation"`
}

// sourcesFile is the on-disk shape of the sources catalog.
type sourcesFile struct {
	Sources map[string]Override `yaml:"sources"`
}

// LoadOverrides reads per-source overrides from a YAML file. A missing
// path ("" ) yields an empty map.
func LoadOverrides(path string) (map[string]Override, error) {
	if path == "" {
		return map[string]Override{}, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file %s: %w", path, err)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %s: %w", path, err)
	}

	if file.Sources == nil {
		file.Sources = map[string]Override{}
	}

	return file.Sources, nil
}

// Apply returns the descriptor with non-zero override fields replaced.
func (o Override) Apply(d Descriptor) Descriptor {
	if o.Organization.Slug != "" {
		d.Organization.Slug = o.Organization.Slug
	}

	if o.Organization.Name != "" {
		d.Organization.Name = o.Organization.Name
	}

	if o.Organization.License != "" {
		d.Organization.License = o.Organization.License
	}

	if o.Organization.Citation != "" {
		d.Organization.Citation = o.Organization.Citation
	}

	if o.SourceType != "" {
		d.SourceType = catalog.SourceType(o.SourceType)
	}

	if o.BaseURL != "" {
		d.BaseURL = o.BaseURL
	}

	if o.ReleaseNotesPath != "" {
		d.ReleaseNotesPath = o.ReleaseNotesPath
	}

	if o.ListingPath != "" {
		d.ListingPath = o.ListingPath
	}

	if o.HistoricalDirPattern != "" {
		d.HistoricalDirPattern = o.HistoricalDirPattern
	}

	if o.VersionDirTemplate != "" {
		d.VersionDirTemplate = o.VersionDirTemplate
	}

	if o.BatchSize > 0 {
		d.BatchSize = o.BatchSize
	}

	if o.MissingRefs != "" {
		d.MissingRefs = MissingRefPolicy(o.MissingRefs)
	}

	return d
}
