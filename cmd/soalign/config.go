package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"soalign/internal/align"
	"soalign/internal/variant"
)

const configFileName = "soalign.toml"

// projectConfig is a loaded soalign.toml. Paths in Align are already
// resolved against Root.
type projectConfig struct {
	Path  string      `toml:"-"`
	Root  string      `toml:"-"`
	Align alignConfig `toml:"align"`

	meta toml.MetaData
}

type alignConfig struct {
	Source         string   `toml:"source"`
	Target         string   `toml:"target"`
	ABIs           []string `toml:"abis"`
	PageSize       uint64   `toml:"page_size"`
	Jobs           int      `toml:"jobs"`
	SkipMismatched bool     `toml:"skip_mismatched"`
	Cache          bool     `toml:"cache"`
}

// has reports whether key was set under [align].
func (c *projectConfig) has(key string) bool {
	return c != nil && c.meta.IsDefined("align", key)
}

func findConfig(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

func loadConfig(path string) (*projectConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	cfg := &projectConfig{Path: abs, Root: filepath.Dir(abs)}
	meta, err := toml.DecodeFile(abs, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", abs, err)
	}
	cfg.meta = meta

	if !meta.IsDefined("align") {
		return nil, fmt.Errorf("%s: missing [align]", abs)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", abs, strings.Join(keys, ", "))
	}
	if cfg.has("page_size") && !align.IsPowerOfTwo(cfg.Align.PageSize) {
		return nil, fmt.Errorf("%s: [align].page_size %d is not a power of two", abs, cfg.Align.PageSize)
	}
	if cfg.has("jobs") && cfg.Align.Jobs < 1 {
		return nil, fmt.Errorf("%s: [align].jobs must be at least 1", abs)
	}
	if cfg.has("abis") {
		if _, err := variant.Select(cfg.Align.ABIs); err != nil {
			return nil, fmt.Errorf("%s: [align].abis: %w", abs, err)
		}
	}
	if cfg.has("source") {
		cfg.Align.Source = cfg.resolve(cfg.Align.Source)
	}
	if cfg.has("target") {
		cfg.Align.Target = cfg.resolve(cfg.Align.Target)
	}
	return cfg, nil
}

func (c *projectConfig) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, filepath.FromSlash(p))
}

// resolveConfig loads the file named by --config, or the nearest
// soalign.toml above the working directory. A nil config means none exists.
func resolveConfig(cmd *cobra.Command) (*projectConfig, error) {
	explicit, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if explicit != "" {
		return loadConfig(explicit)
	}
	path, ok, err := findConfig(".")
	if err != nil || !ok {
		return nil, err
	}
	return loadConfig(path)
}
