package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/stevecastle/parallax/platform"
)

// Config holds application configuration including the farm database path,
// default render settings, and optional S3 delivery.
type Config struct {
	DBPath string `json:"dbPath"`

	// Root directory shared by farm workers for rendered frames
	FarmRoot string `json:"farmRoot"`

	// Worker pool this machine claims from
	Pool string `json:"pool"`

	// Parallel decode workers per export process
	WorkerCount int `json:"workerCount"`

	// Default ST map applied when a job does not carry one
	DefaultSTMapPath string `json:"defaultStMapPath"`

	// Default output format: ppm, png, or hdr
	ExportFormat string `json:"exportFormat"`

	// Default batch size when claiming farm frames
	ClaimBatchSize int `json:"claimBatchSize"`

	// Decode settings applied when a job does not override them
	Decode struct {
		WhiteBalanceKelvin float64 `json:"whiteBalanceKelvin"`
		WhiteBalanceTint   float64 `json:"whiteBalanceTint"`
		ISO                int     `json:"iso"`
		UseGPU             bool    `json:"useGpu"`
	} `json:"decode"`

	// Optional S3 delivery of rendered frames
	S3 struct {
		Enabled bool   `json:"enabled"`
		Bucket  string `json:"bucket"`
		Prefix  string `json:"prefix"`
		Region  string `json:"region"`
	} `json:"s3"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// defaultFarmRoot returns the default shared render root (~/renders).
func defaultFarmRoot() string {
	return filepath.Join(platform.UserHomeDir(), "renders")
}

// DefaultDBPath returns the default farm database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "farm.db")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	c := Config{
		DBPath:         DefaultDBPath(),
		FarmRoot:       defaultFarmRoot(),
		Pool:           "default",
		WorkerCount:    runtime.NumCPU(),
		ExportFormat:   "ppm",
		ClaimBatchSize: 10,
	}
	c.Decode.WhiteBalanceKelvin = 5600
	c.Decode.WhiteBalanceTint = 10
	c.Decode.ISO = 800
	c.Decode.UseGPU = true
	return c
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// configDir overrides where config.json lives; empty means the platform
// default. Tests point it at a temp directory.
var configDir string

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	dir := configDir
	if dir == "" {
		dir = DefaultConfigDir()
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
// This function safely handles missing directories and creates them as needed.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	// Ensure config directory exists
	cfgDir := filepath.Dir(path)
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", cfgDir, err)
	}

	// Check if config file exists
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file doesn't exist - create it with defaults
			def := defaultConfig()

			// Ensure the database directory exists
			dbDir := filepath.Dir(def.DBPath)
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return Config{}, "", fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
			}

			// Save the default config
			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	// Merge defaults for any missing fields
	def := defaultConfig()
	needsSave := false

	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.FarmRoot == "" {
		c.FarmRoot = def.FarmRoot
	}
	if c.Pool == "" {
		c.Pool = def.Pool
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = def.WorkerCount
	}
	if c.ExportFormat == "" {
		c.ExportFormat = def.ExportFormat
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = def.ClaimBatchSize
	}
	if c.Decode.WhiteBalanceKelvin == 0 {
		c.Decode.WhiteBalanceKelvin = def.Decode.WhiteBalanceKelvin
	}
	if c.Decode.ISO == 0 {
		c.Decode.ISO = def.Decode.ISO
	}

	// Ensure the database directory exists
	dbDir := filepath.Dir(c.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
	}

	// Save config if we had to fill in critical missing fields
	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed. Returns the path.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
