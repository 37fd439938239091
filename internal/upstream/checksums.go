package upstream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseChecksumManifest parses a provider checksum manifest in the
// common "<hex digest>  <filename>" line format (sha256sum output).
// Blank lines and comment lines starting with # are skipped. Returns a
// filename-to-digest map with digests lowercased.
func ParseChecksumManifest(r io.Reader) (map[string]string, error) {
	digests := make(map[string]string)
	scanner := bufio.NewScanner(r)
	line := 0

	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed checksum manifest line %d: %q", line, text)
		}

		digest, filename := strings.ToLower(fields[0]), fields[1]

		// sha256sum marks binary-mode files with a leading asterisk.
		filename = strings.TrimPrefix(filename, "*")

		digests[filename] = digest
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checksum manifest: %w", err)
	}

	return digests, nil
}
