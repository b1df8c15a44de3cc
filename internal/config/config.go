package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"
)

// Config holds the fabric configuration.
type Config struct {
	// Root is the workspace root injected into workers.
	Root string `json:"root,omitempty"`
	// StoreRoot is the event-store backing directory.
	StoreRoot string `json:"store,omitempty"`
	// HistoryLimit caps retained prior payloads per event.
	HistoryLimit int `json:"historyLimit,omitempty"`
	// Bootstrap is the worker bootstrap command; the app source path is
	// appended as the final argument.
	Bootstrap []string `json:"bootstrap,omitempty"`
	// SearchPaths are glob patterns for app discovery.
	SearchPaths []string `json:"searchPaths,omitempty"`
	// StaticSurfaces are surface ids pre-registered as pending.
	StaticSurfaces []string `json:"staticSurfaces,omitempty"`
	// Listen is the debug server's listen address.
	Listen string `json:"listen,omitempty"`
	// LogLevel is the minimum log level (DEBUG|INFO|WARN|ERROR).
	LogLevel string `json:"logLevel,omitempty"`
}

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.appdeck/)
//  2. Global config (XDG config dir)
//  3. Project config (<directory>/.appdeck/)
//  4. APPDECK_CONFIG file
//  5. APPDECK_CONFIG_CONTENT inline JSON
//  6. Environment variables
func Load(directory string) (*Config, error) {
	cfg := &Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[abs] = true
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		loadOnce(filepath.Join(home, ".appdeck", "appdeck.json"))
		loadOnce(filepath.Join(home, ".appdeck", "appdeck.jsonc"))
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "appdeck.json"))
	loadOnce(filepath.Join(globalPath, "appdeck.jsonc"))

	if directory != "" {
		loadOnce(filepath.Join(directory, ".appdeck", "appdeck.json"))
		loadOnce(filepath.Join(directory, ".appdeck", "appdeck.jsonc"))
	}

	if path := os.Getenv("APPDECK_CONFIG"); path != "" {
		loadOnce(path)
	}

	if content := os.Getenv("APPDECK_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			merge(cfg, &inline)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg, directory)

	return cfg, nil
}

// loadFile loads a single JSONC config file into cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var layer Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &layer); err != nil {
		return err
	}
	merge(cfg, &layer)
	return nil
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *Config) {
	if src.Root != "" {
		dst.Root = src.Root
	}
	if src.StoreRoot != "" {
		dst.StoreRoot = src.StoreRoot
	}
	if src.HistoryLimit > 0 {
		dst.HistoryLimit = src.HistoryLimit
	}
	if len(src.Bootstrap) > 0 {
		dst.Bootstrap = src.Bootstrap
	}
	if len(src.SearchPaths) > 0 {
		dst.SearchPaths = src.SearchPaths
	}
	if len(src.StaticSurfaces) > 0 {
		dst.StaticSurfaces = src.StaticSurfaces
	}
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

// applyEnvOverrides applies environment variables (highest priority).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPDECK_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("APPDECK_STORE"); v != "" {
		cfg.StoreRoot = v
	}
	if v := os.Getenv("APPDECK_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryLimit = n
		}
	}
	if v := os.Getenv("APPDECK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("APPDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// applyDefaults fills any fields every component depends on.
func applyDefaults(cfg *Config, directory string) {
	if cfg.Root == "" {
		cfg.Root = directory
	}
	if cfg.StoreRoot == "" {
		cfg.StoreRoot = GetPaths().StorePath()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 3
	}
	if len(cfg.Bootstrap) == 0 {
		cfg.Bootstrap = []string{"appdeck-bootstrap"}
	}
	if len(cfg.SearchPaths) == 0 && cfg.Root != "" {
		cfg.SearchPaths = []string{filepath.Join(cfg.Root, "apps", "*")}
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:7733"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
}
