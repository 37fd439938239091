package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/sources"
)

// fakeFetcher serves canned bodies by URL.
type fakeFetcher struct {
	bodies map[string][]byte
}

func (f *fakeFetcher) FetchBytes(_ context.Context, url string) ([]byte, error) {
	body, ok := f.bodies[url]
	if !ok {
		return nil, errors.New("unexpected url " + url)
	}

	return body, nil
}

type fakeCatalogChecker struct {
	existing map[string]bool
}

func (f *fakeCatalogChecker) ExternalVersionExists(_ context.Context, _ int64, externalVersion string) (bool, error) {
	return f.existing[externalVersion], nil
}

type fakeJobChecker struct {
	asCurrent map[string]bool
}

func (f *fakeJobChecker) WasIngestedAsCurrent(_ context.Context, _ int64, _, externalVersion string) (bool, error) {
	return f.asCurrent[externalVersion], nil
}

func testPlugin() sources.Plugin {
	return sources.NewTSVSource(sources.Descriptor{
		Name:                 "uniprot",
		SourceType:           catalog.SourceProtein,
		BaseURL:              "https://ftp.example.org/uniprot",
		ReleaseNotesPath:     "current/relnotes.txt",
		ListingPath:          "previous_releases/",
		HistoricalDirPattern: `release-(\d{4}_\d{2})`,
		VersionDirTemplate:   "release-%s",
	})
}

func newService(fetcher Fetcher) *Service {
	return NewService(fetcher, &fakeCatalogChecker{}, &fakeJobChecker{})
}

func TestDiscoverCurrent(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://ftp.example.org/uniprot/current/relnotes.txt": []byte("UniProt release\nversion: 2025_06\n"),
	}}

	version, err := newService(fetcher).DiscoverCurrent(context.Background(), testPlugin())
	if err != nil {
		t.Fatalf("DiscoverCurrent() failed: %v", err)
	}

	if version != "2025_06" {
		t.Fatalf("DiscoverCurrent() = %q, want 2025_06", version)
	}
}

func TestDiscoverCurrentNoVersionLine(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://ftp.example.org/uniprot/current/relnotes.txt": []byte("no label here\n"),
	}}

	if _, err := newService(fetcher).DiscoverCurrent(context.Background(), testPlugin()); err == nil {
		t.Fatal("DiscoverCurrent() succeeded without a version line")
	}
}

func TestDiscoverRange(t *testing.T) {
	listing := `<a href="release-2024_01/">release-2024_01/</a>
<a href="release-2023_04/">release-2023_04/</a>
<a href="release-2024_03/">release-2024_03/</a>
<a href="release-2024_01/">release-2024_01/</a>
<a href="not-a-release/">not-a-release/</a>`

	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://ftp.example.org/uniprot/previous_releases/": []byte(listing),
	}}

	tests := []struct {
		name  string
		start string
		end   string
		want  []string
	}{
		{
			name: "unbounded returns all, ascending, deduplicated",
			want: []string{"2023_04", "2024_01", "2024_03"},
		},
		{
			name:  "start bound is inclusive",
			start: "2024_01",
			want:  []string{"2024_01", "2024_03"},
		},
		{
			name: "end bound is inclusive",
			end:  "2024_01",
			want: []string{"2023_04", "2024_01"},
		},
		{
			name:  "both bounds",
			start: "2023_05",
			end:   "2024_02",
			want:  []string{"2024_01"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newService(fetcher).DiscoverRange(context.Background(), testPlugin(), tt.start, tt.end)
			if err != nil {
				t.Fatalf("DiscoverRange() failed: %v", err)
			}

			if len(got) != len(tt.want) {
				t.Fatalf("DiscoverRange() = %v, want %v", got, tt.want)
			}

			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("DiscoverRange() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDiscoverRangeEmpty(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://ftp.example.org/uniprot/previous_releases/": []byte("nothing matches"),
	}}

	_, err := newService(fetcher).DiscoverRange(context.Background(), testPlugin(), "", "")
	if !errors.Is(err, ErrNoVersionsFound) {
		t.Fatalf("DiscoverRange() = %v, want ErrNoVersionsFound", err)
	}
}

func TestDiscoverRangeRejectsPatternWithoutCaptureGroup(t *testing.T) {
	plugin := sources.NewTSVSource(sources.Descriptor{
		Name:                 "bad",
		BaseURL:              "https://ftp.example.org/bad",
		ListingPath:          "previous/",
		HistoricalDirPattern: `release-\d{4}_\d{2}`,
	})

	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://ftp.example.org/bad/previous/": []byte(""),
	}}

	if _, err := newService(fetcher).DiscoverRange(context.Background(), plugin, "", ""); err == nil {
		t.Fatal("DiscoverRange() accepted a pattern without a capture group")
	}
}
