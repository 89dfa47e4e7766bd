package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/arthurlm/pyarraypool/pkg/shmpool"
)

// Config holds pool defaults loaded from a config file.
type Config struct {
	SegmentPath string `json:"segment_path"` //nolint:tagliatelle // snake_case for config file
	SlotCount   uint64 `json:"slot_count"`   //nolint:tagliatelle // snake_case for config file
	DataSize    uint64 `json:"data_size"`    //nolint:tagliatelle // snake_case for config file
	FileLock    bool   `json:"file_lock"`    //nolint:tagliatelle // snake_case for config file
}

// ConfigFileName is the default config file name, looked up in the working
// directory.
const ConfigFileName = ".shmctl.json"

// DefaultConfig returns the built-in defaults (the library's own).
func DefaultConfig() Config {
	return Config{
		SegmentPath: shmpool.DefaultSegmentPath,
		SlotCount:   shmpool.DefaultSlotCount,
		DataSize:    shmpool.DefaultDataSize,
	}
}

// LoadConfig loads configuration with the following precedence (highest
// wins):
//  1. Defaults
//  2. Config file (explicit configPath, else ./.shmctl.json if present)
//  3. CLI flags (applied by the caller)
//
// Returns the merged config and the path of the file actually loaded, if
// any. The file is HuJSON: comments and trailing commas are allowed.
func LoadConfig(workDir, configPath string) (Config, string, error) {
	cfg := DefaultConfig()

	path := configPath
	if path == "" {
		candidate := filepath.Join(workDir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path == "" {
		return cfg, "", nil
	}

	data, readErr := os.ReadFile(path) //nolint:gosec // path is from caller
	if readErr != nil {
		return Config{}, "", fmt.Errorf("reading config %s: %w", path, readErr)
	}

	fileCfg, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, "", fmt.Errorf("config %s: %w", path, parseErr)
	}

	return mergeConfig(cfg, fileCfg), path, nil
}

// parseConfig parses a HuJSON config document.
func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	return cfg, nil
}

// mergeConfig overlays non-zero fields of over onto base.
func mergeConfig(base, over Config) Config {
	if over.SegmentPath != "" {
		base.SegmentPath = over.SegmentPath
	}

	if over.SlotCount != 0 {
		base.SlotCount = over.SlotCount
	}

	if over.DataSize != 0 {
		base.DataSize = over.DataSize
	}

	if over.FileLock {
		base.FileLock = true
	}

	return base
}
