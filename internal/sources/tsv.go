package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/refinery-io/refinery/internal/catalog"
	"github.com/refinery-io/refinery/internal/ingest"
)

// TSVSource is the built-in tab-separated source plugin. Its data
// artifact is a TSV file whose first line is a header naming the
// columns; the "id" column is required. Well-known columns:
//
//   - sequence: primary content, digested for change detection
//   - refs: comma-separated foreign references as type:identifier
//   - obsolete: "true" marks a withdrawn entry
//   - dependent_count: integer dependent tally
//
// All columns, well-known or not, land in the record payload. It serves
// as the reference implementation for per-provider plugins.
type TSVSource struct {
	desc Descriptor
}

var _ Plugin = (*TSVSource)(nil)

var releaseVersionRegex = regexp.MustCompile(`(?m)^version:\s*(\S+)\s*$`)

// NewTSVSource creates a TSV plugin over a descriptor, filling defaults
// for artifacts, formats, and batch size when unset.
func NewTSVSource(desc Descriptor) *TSVSource {
	if len(desc.Artifacts) == 0 {
		desc.Artifacts = []Artifact{
			{RelPath: desc.Name + ".tsv", FileType: "data", DigestSource: "checksums"},
			{RelPath: "CHECKSUMS", FileType: "checksums"},
		}
	}

	if len(desc.Formats) == 0 {
		desc.Formats = []string{"json"}
	}

	if desc.BatchSize <= 0 {
		desc.BatchSize = 1000
	}

	return &TSVSource{desc: desc}
}

// Descriptor returns the source description.
func (s *TSVSource) Descriptor() Descriptor {
	return s.desc
}

// ExtractVersion pulls the external version from a "version: <label>"
// line in the release notes.
func (s *TSVSource) ExtractVersion(releaseNotes []byte) (string, error) {
	matches := releaseVersionRegex.FindSubmatch(releaseNotes)
	if matches == nil {
		return "", fmt.Errorf("no version line in release notes for %s", s.desc.Name)
	}

	return string(matches[1]), nil
}

// Parse streams TSV rows into the sink. Rows with the wrong column
// count or an empty id are reported as malformed with their line
// number; parsing continues.
func (s *TSVSource) Parse(ctx context.Context, r io.Reader, sink Sink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		header []string
		line   int64
	)

	for scanner.Scan() {
		line++

		if err := ctx.Err(); err != nil {
			return err
		}

		text := scanner.Text()
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}

		if header == nil {
			header = strings.Split(text, "\t")
			if !contains(header, "id") {
				return fmt.Errorf("%s data has no id column", s.desc.Name)
			}

			continue
		}

		rec, err := s.parseRow(header, text)
		if err != nil {
			if err := sink.Malformed(line, err); err != nil {
				return err
			}

			continue
		}

		if err := sink.Record(rec); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s data: %w", s.desc.Name, err)
	}

	if header == nil {
		return fmt.Errorf("%s data is empty", s.desc.Name)
	}

	return nil
}

func (s *TSVSource) parseRow(header []string, text string) (ingest.Record, error) {
	fields := strings.Split(text, "\t")
	if len(fields) != len(header) {
		return ingest.Record{}, fmt.Errorf("expected %d columns, got %d", len(header), len(fields))
	}

	row := make(map[string]string, len(header))
	for i, col := range header {
		row[col] = fields[i]
	}

	if row["id"] == "" {
		return ingest.Record{}, fmt.Errorf("empty id")
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return ingest.Record{}, fmt.Errorf("failed to marshal row: %w", err)
	}

	rec := ingest.Record{
		Type:       string(s.desc.SourceType),
		Identifier: row["id"],
		Payload:    payload,
	}

	if seq := row["sequence"]; seq != "" {
		rec.SequenceDigest = ingest.ContentDigest([]byte(seq))
	}

	if refs := row["refs"]; refs != "" {
		parsed, err := parseRefs(refs)
		if err != nil {
			return ingest.Record{}, err
		}

		rec.References = parsed
	}

	return rec, nil
}

// parseRefs parses "type:identifier,type:identifier" reference lists.
func parseRefs(refs string) ([]ingest.Reference, error) {
	parts := strings.Split(refs, ",")
	out := make([]ingest.Reference, 0, len(parts))

	for _, part := range parts {
		foreignType, identifier, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || foreignType == "" || identifier == "" {
			return nil, fmt.Errorf("malformed reference %q", part)
		}

		out = append(out, ingest.Reference{ForeignType: foreignType, Identifier: identifier})
	}

	return out, nil
}

// Summarize derives the change snapshot from the payload's well-known
// columns.
func (s *TSVSource) Summarize(payload json.RawMessage) (catalog.ChangeSummary, error) {
	var row map[string]string
	if err := json.Unmarshal(payload, &row); err != nil {
		return catalog.ChangeSummary{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	seq, hasSeq := row["sequence"]

	summary := catalog.ChangeSummary{
		Obsolete:         row["obsolete"] == "true",
		SignatureRemoved: hasSeq && seq == "",
	}

	if count := row["dependent_count"]; count != "" {
		n, err := strconv.Atoi(count)
		if err != nil {
			return catalog.ChangeSummary{}, fmt.Errorf("malformed dependent_count %q: %w", count, err)
		}

		summary.DependentCount = n
	}

	return summary, nil
}

// References re-extracts the refs column from a staged payload.
func (s *TSVSource) References(payload json.RawMessage) ([]ingest.Reference, error) {
	var row map[string]string
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if row["refs"] == "" {
		return nil, nil
	}

	return parseRefs(row["refs"])
}

// SourceMetadata exposes the full row, minus bulky primary content, as
// the data source detail.
func (s *TSVSource) SourceMetadata(payload json.RawMessage) (map[string]any, error) {
	var row map[string]string
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	metadata := make(map[string]any, len(row))

	for k, v := range row {
		if k == "sequence" {
			continue
		}

		metadata[k] = v
	}

	return metadata, nil
}

// Variants renders the record payload as a JSON format variant.
func (s *TSVSource) Variants(rec ingest.StagedRecord) ([]Variant, error) {
	return []Variant{{Format: "json", Content: rec.Payload}}, nil
}

func contains(slice []string, want string) bool {
	for _, s := range slice {
		if s == want {
			return true
		}
	}

	return false
}
