// Package migrations embeds the database schema migrations and provides
// a runner for applying them. Migrations are embedded at build time with
// go:embed, so the worker and migrator binaries deploy with zero
// external file dependencies.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename standard: 001_name.up.sql / 001_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info contains parsed information about a migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// Embedded wraps a migration filesystem with validation: filename
// format, up/down pairing, gapless sequence, and checksum integrity
// across repeated validations within one process.
type Embedded struct {
	fs        fs.FS
	checksums map[string]string
}

// NewEmbedded creates an Embedded over the given filesystem. Pass nil
// to use the compiled-in migrations.
func NewEmbedded(filesystem fs.FS) *Embedded {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &Embedded{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the underlying migration filesystem for use with a
// golang-migrate iofs source.
func (e *Embedded) FS() fs.FS {
	return e.fs
}

// List returns the migration filenames that conform to the naming
// standard, sorted. Nonconforming files are excluded so a stray file
// can never be applied.
func (e *Embedded) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	// Lexicographic order matches sequence order under the zero-padded
	// naming standard.
	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded migration set: at least one migration,
// valid filenames, complete up/down pairs, a gapless sequence starting
// at 001, and unchanged checksums since the previous Validate call.
func (e *Embedded) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := ParseFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	if err := validateSequence(sequences); err != nil {
		return err
	}

	return e.validateChecksums(files)
}

// Content returns the content of one embedded migration file.
func (e *Embedded) Content(filename string) ([]byte, error) {
	return fs.ReadFile(e.fs, filename)
}

// MaxSequence returns the highest migration sequence number in the set.
func (e *Embedded) MaxSequence() int {
	files, err := e.List()
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, filename := range files {
		if info, err := ParseFilename(filename); err == nil && info.Sequence > maxSeq {
			maxSeq = info.Sequence
		}
	}

	return maxSeq
}

// ParseFilename parses a migration filename into its components.
func ParseFilename(filename string) (*Info, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename: %s (expected 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validateSequence(sequences map[int]bool) error {
	nums := make([]int, 0, len(sequences))
	for seq := range sequences {
		nums = append(nums, seq)
	}

	sort.Ints(nums)

	if len(nums) == 0 {
		return nil
	}

	if nums[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", nums[0])
	}

	for i := 1; i < len(nums); i++ {
		if nums[i] != nums[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", nums[i-1]+1, nums[i])
		}
	}

	return nil
}

func (e *Embedded) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := e.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		checksum := fmt.Sprintf("%x", sha256.Sum256(content))
		if stored, exists := e.checksums[file]; exists && stored != checksum {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}

		e.checksums[file] = checksum
	}

	return nil
}
