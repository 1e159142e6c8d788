// Package config holds the engine's tunable knobs: connection pragmas (§4.4),
// ingest pipeline presets (§4.3) and batch engine options (§4.7).
//
// It follows the teacher's struct-of-sections layout (pkg/config.Config:
// Auth/Database/Server/...) scoped down to the knobs this engine actually
// has — there is no Bolt/HTTP/auth surface here, so those sections are not
// carried over.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PragmaPreset names one of the four enumerated pragma bundles (§4.4).
type PragmaPreset string

const (
	PresetDevelopment    PragmaPreset = "DEVELOPMENT"
	PresetProduction     PragmaPreset = "PRODUCTION"
	PresetMemory         PragmaPreset = "MEMORY"
	PresetHighPerformance PragmaPreset = "HIGH_PERFORMANCE"
)

// PragmaConfig holds the recognized pragma keys (§4.4). Zero values are
// left unset (the driver default applies), except ForeignKeys, which is
// always emitted as ON or OFF.
type PragmaConfig struct {
	JournalMode     string `yaml:"journal_mode"`
	Synchronous     string `yaml:"synchronous"`
	ForeignKeys     bool   `yaml:"foreign_keys"`
	CacheSize       int    `yaml:"cache_size"`
	MmapSize        int64  `yaml:"mmap_size"`
	TempStore       string `yaml:"temp_store"`
	AutoVacuum      string `yaml:"auto_vacuum"`
	WALAutocheckpoint int  `yaml:"wal_autocheckpoint"`
	BusyTimeoutMS   int    `yaml:"busy_timeout"`
}

// Pragmas returns the canned pragma bundle for a named preset.
func Pragmas(preset PragmaPreset) PragmaConfig {
	switch preset {
	case PresetDevelopment:
		return PragmaConfig{
			JournalMode: "WAL", Synchronous: "NORMAL", ForeignKeys: true,
			CacheSize: -2000, TempStore: "MEMORY", BusyTimeoutMS: 5000,
		}
	case PresetProduction:
		return PragmaConfig{
			JournalMode: "WAL", Synchronous: "FULL", ForeignKeys: true,
			CacheSize: -8000, MmapSize: 268_435_456, TempStore: "MEMORY",
			AutoVacuum: "INCREMENTAL", WALAutocheckpoint: 1000, BusyTimeoutMS: 10000,
		}
	case PresetMemory:
		return PragmaConfig{
			JournalMode: "MEMORY", Synchronous: "OFF", ForeignKeys: true,
			CacheSize: -16000, TempStore: "MEMORY", BusyTimeoutMS: 1000,
		}
	case PresetHighPerformance:
		return PragmaConfig{
			JournalMode: "WAL", Synchronous: "NORMAL", ForeignKeys: true,
			CacheSize: -32000, MmapSize: 1 << 30, TempStore: "MEMORY",
			WALAutocheckpoint: 10000, BusyTimeoutMS: 30000,
		}
	default:
		return Pragmas(PresetDevelopment)
	}
}

// Statements renders the pragma bundle as the PRAGMA statements to run
// against a freshly opened connection, in a stable order.
func (p PragmaConfig) Statements() []string {
	var stmts []string
	if p.JournalMode != "" {
		stmts = append(stmts, fmt.Sprintf("PRAGMA journal_mode=%s", p.JournalMode))
	}
	if p.Synchronous != "" {
		stmts = append(stmts, fmt.Sprintf("PRAGMA synchronous=%s", p.Synchronous))
	}
	stmts = append(stmts, fmt.Sprintf("PRAGMA foreign_keys=%s", boolStr(p.ForeignKeys)))
	if p.CacheSize != 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA cache_size=%d", p.CacheSize))
	}
	if p.MmapSize != 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA mmap_size=%d", p.MmapSize))
	}
	if p.TempStore != "" {
		stmts = append(stmts, fmt.Sprintf("PRAGMA temp_store=%s", p.TempStore))
	}
	if p.AutoVacuum != "" {
		stmts = append(stmts, fmt.Sprintf("PRAGMA auto_vacuum=%s", p.AutoVacuum))
	}
	if p.WALAutocheckpoint != 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA wal_autocheckpoint=%d", p.WALAutocheckpoint))
	}
	if p.BusyTimeoutMS != 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA busy_timeout=%d", p.BusyTimeoutMS))
	}
	return stmts
}

func boolStr(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// IngestConfig is the closed set of ingest pipeline knobs (§4.3). No other
// option is recognized.
type IngestConfig struct {
	SkipSystemNodes    bool     `yaml:"skip_system_nodes"`
	BatchSize          int      `yaml:"batch_size"`
	MemoryLimitMB      int      `yaml:"memory_limit_mb"`
	ProgressIntervalMS int      `yaml:"progress_interval_ms"`
	ContinueOnError    bool     `yaml:"continue_on_error"`
	MaxErrors          int      `yaml:"max_errors"`
	PreserveRaw        bool     `yaml:"preserve_raw"`
	NormalizeContent   bool     `yaml:"normalize_content"`
	IncludeFields      []string `yaml:"include_fields"`
	ExcludeFields      []string `yaml:"exclude_fields"`
	CountTotal         bool     `yaml:"count_total"`
}

// DefaultIngestConfig mirrors what a first-time caller would reach for.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		BatchSize:          500,
		MemoryLimitMB:      512,
		ProgressIntervalMS: 250,
		MaxErrors:          100,
		NormalizeContent:   true,
		CountTotal:         true,
	}
}

// BatchConfig is the Batch Engine's option set (§4.7).
type BatchConfig struct {
	ChunkSize           int           `yaml:"chunk_size"`
	Transactional       bool          `yaml:"transactional"`
	ContinueOnError     bool          `yaml:"continue_on_error"`
	ResolveDependencies bool          `yaml:"resolve_dependencies"`
	ValidateCircular    bool          `yaml:"validate_circular"`
	ValidateData        bool          `yaml:"validate_data"`
	RetryOnLock         bool          `yaml:"retry_on_lock"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	CollectStats        bool          `yaml:"collect_stats"`
}

// DefaultBatchConfig mirrors what a first-time caller would reach for.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		ChunkSize:       200,
		Transactional:   true,
		ValidateCircular: true,
		ValidateData:    true,
		RetryOnLock:     true,
		MaxRetries:      5,
		RetryDelay:      50 * time.Millisecond,
	}
}

// Config is the top-level, file-loadable configuration bundle.
type Config struct {
	Pragmas PragmaPreset `yaml:"pragmas"`
	Ingest  IngestConfig `yaml:"ingest"`
	Batch   BatchConfig  `yaml:"batch"`
}

// Default returns the engine's struct-literal defaults (PRODUCTION pragmas,
// DefaultIngestConfig, DefaultBatchConfig).
func Default() Config {
	return Config{
		Pragmas: PresetProduction,
		Ingest:  DefaultIngestConfig(),
		Batch:   DefaultBatchConfig(),
	}
}

// LoadFromFile overlays a YAML file on top of Default(), the one place this
// engine reads YAML (the teacher's gopkg.in/yaml.v3 dependency, otherwise
// unused by this domain).
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
