// Package config loads the tunable Options struct named in spec §6
// (block_size_bytes, envelope_cache_entries, fsync_on_append, stopwords,
// min_token_len, max_parallel_readers) from a layered set of sources:
// built-in defaults, an optional JSON or YAML file, then
// environment variable overrides. Later layers win, mirroring the
// base -> file -> env precedence the teacher's own config loader uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options are the tunables a caller passes (or loads) when opening a
// database, per spec §6.
type Options struct {
	BlockSizeBytes       int64    `json:"block_size_bytes" yaml:"block_size_bytes"`
	EnvelopeCacheEntries int      `json:"envelope_cache_entries" yaml:"envelope_cache_entries"`
	FsyncOnAppend        bool     `json:"fsync_on_append" yaml:"fsync_on_append"`
	Stopwords            []string `json:"stopwords" yaml:"stopwords"`
	MinTokenLen          int      `json:"min_token_len" yaml:"min_token_len"`
	MaxParallelReaders   int      `json:"max_parallel_readers" yaml:"max_parallel_readers"`
}

// DefaultStopwords is the default value of Options.Stopwords (spec §4.6 /
// §9 "Open Questions"). The full-text tokenizer in pkg/emailstore does
// not read Options.Stopwords or Options.MinTokenLen: it applies its own
// fixed stopword set and a 3-character minimum.
var DefaultStopwords = []string{
	"the", "a", "an", "and", "or", "but", "of", "to", "in", "on",
	"for", "with", "is", "are", "was", "were", "be", "been", "this",
	"that", "it", "as", "at", "by", "from", "re", "fw", "fwd",
}

// Default returns the built-in defaults.
func Default() Options {
	return Options{
		BlockSizeBytes:       768 * 1024, // within spec's 512KiB-1MiB window
		EnvelopeCacheEntries: 100,
		FsyncOnAppend:        true,
		Stopwords:            append([]string(nil), DefaultStopwords...),
		MinTokenLen:          3,
		MaxParallelReaders:   32,
	}
}

// Load builds Options by layering defaults, an optional file at path
// (parsed as YAML when the name ends in .yaml or .yml, as JSON
// otherwise), then environment overrides named EMAILDB_ plus the
// option's upper-case name (e.g. EMAILDB_BLOCK_SIZE_BYTES=1048576;
// EMAILDB_STOPWORDS takes a comma-separated list).
func Load(path string) (Options, error) {
	opt := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		var fileOpt Options
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			if err := yaml.Unmarshal(b, &fileOpt); err != nil {
				return Options{}, fmt.Errorf("config: parse yaml %s: %w", path, err)
			}
		} else {
			if err := json.Unmarshal(b, &fileOpt); err != nil {
				return Options{}, fmt.Errorf("config: parse json %s: %w", path, err)
			}
		}
		opt = mergeNonZero(opt, fileOpt)
	}
	applyEnvOverrides(&opt)
	return opt, validate(opt)
}

func mergeNonZero(base, override Options) Options {
	if override.BlockSizeBytes != 0 {
		base.BlockSizeBytes = override.BlockSizeBytes
	}
	if override.EnvelopeCacheEntries != 0 {
		base.EnvelopeCacheEntries = override.EnvelopeCacheEntries
	}
	if override.FsyncOnAppend {
		base.FsyncOnAppend = override.FsyncOnAppend
	}
	if len(override.Stopwords) > 0 {
		base.Stopwords = override.Stopwords
	}
	if override.MinTokenLen != 0 {
		base.MinTokenLen = override.MinTokenLen
	}
	if override.MaxParallelReaders != 0 {
		base.MaxParallelReaders = override.MaxParallelReaders
	}
	return base
}

const envPrefix = "EMAILDB_"

func applyEnvOverrides(opt *Options) {
	if v, ok := os.LookupEnv(envPrefix + "BLOCK_SIZE_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opt.BlockSizeBytes = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "ENVELOPE_CACHE_ENTRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			opt.EnvelopeCacheEntries = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "FSYNC_ON_APPEND"); ok {
		opt.FsyncOnAppend = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv(envPrefix + "MIN_TOKEN_LEN"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			opt.MinTokenLen = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "MAX_PARALLEL_READERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			opt.MaxParallelReaders = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "STOPWORDS"); ok && v != "" {
		opt.Stopwords = strings.Split(v, ",")
	}
}

func validate(opt Options) error {
	if opt.BlockSizeBytes <= 0 {
		return fmt.Errorf("config: block_size_bytes must be positive")
	}
	if opt.MinTokenLen <= 0 {
		return fmt.Errorf("config: min_token_len must be positive")
	}
	if opt.MaxParallelReaders <= 0 {
		return fmt.Errorf("config: max_parallel_readers must be positive")
	}
	if opt.EnvelopeCacheEntries < 0 {
		return fmt.Errorf("config: envelope_cache_entries must not be negative")
	}
	return nil
}

// StopwordSet returns opt.Stopwords as a lookup set, lowercased.
func (o Options) StopwordSet() map[string]struct{} {
	set := make(map[string]struct{}, len(o.Stopwords))
	for _, w := range o.Stopwords {
		set[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return set
}
