// Package modes decides which releases of a source to ingest: the
// latest one, or a historical range, per deployment configuration.
package modes

import (
	"fmt"
	"strings"

	"github.com/refinery-io/refinery/internal/config"
)

// Mode selects the ingestion policy for a source.
type Mode string

// Modes.
const (
	ModeLatest     Mode = "latest"
	ModeHistorical Mode = "historical"
)

// SourceConfig is the per-source mode configuration, read from
// INGEST_<SOURCE>_* environment variables.
type SourceConfig struct {
	Mode Mode

	// IgnoreBefore is an external version cutoff; releases that compare
	// below it are never ingested.
	IgnoreBefore string

	// HistoricalStart and HistoricalEnd bound the historical range.
	// Empty bounds are unbounded on that side.
	HistoricalStart string
	HistoricalEnd   string

	// HistoricalBatchSize is how many releases run per sequential
	// batch.
	HistoricalBatchSize int

	// SkipExisting skips releases already present in the catalog.
	SkipExisting bool
}

// DefaultHistoricalBatchSize bounds releases per historical batch.
const DefaultHistoricalBatchSize = 5

// LoadSourceConfig reads the mode configuration for a source name.
func LoadSourceConfig(sourceName string) (SourceConfig, error) {
	prefix := "INGEST_" + strings.ToUpper(sourceName) + "_"

	cfg := SourceConfig{
		Mode:                Mode(config.GetEnvStr(prefix+"MODE", string(ModeLatest))),
		IgnoreBefore:        config.GetEnvStr(prefix+"IGNORE_BEFORE", ""),
		HistoricalStart:     config.GetEnvStr(prefix+"HISTORICAL_START", ""),
		HistoricalEnd:       config.GetEnvStr(prefix+"HISTORICAL_END", ""),
		HistoricalBatchSize: config.GetEnvInt(prefix+"HISTORICAL_BATCH_SIZE", DefaultHistoricalBatchSize),
		SkipExisting:        config.GetEnvBool(prefix+"HISTORICAL_SKIP_EXISTING", true),
	}

	if cfg.Mode != ModeLatest && cfg.Mode != ModeHistorical {
		return SourceConfig{}, fmt.Errorf("invalid %sMODE: %q", prefix, cfg.Mode)
	}

	if cfg.HistoricalBatchSize <= 0 {
		cfg.HistoricalBatchSize = DefaultHistoricalBatchSize
	}

	return cfg, nil
}
