// Package config loads runchat configuration from layered JSON/JSONC files,
// .env files and environment variables, and manages XDG paths.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/runchat/pkg/types"
)

// Defaults applied when no source sets a value.
const (
	DefaultAPIURL         = "http://localhost:2024"
	DefaultGraphID        = "agent"
	DefaultRequestTimeout = 30
)

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// Load loads configuration from multiple sources (priority order, last wins):
//  1. Global config (~/.runchat/config.json[c])
//  2. XDG config ($XDG_CONFIG_HOME/runchat/runchat.json[c])
//  3. Project config (runchat.json[c], .runchat/runchat.json[c])
//  4. RUNCHAT_CONFIG file
//  5. RUNCHAT_CONFIG_CONTENT inline JSON
//  6. Environment variables, including a project .env file
func Load(directory string) (*types.Config, error) {
	cfg := &types.Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadConfigFile(path, cfg) == nil {
			loaded[absPath] = true
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		dir := filepath.Join(home, ".runchat")
		loadOnce(filepath.Join(dir, "config.json"))
		loadOnce(filepath.Join(dir, "config.jsonc"))
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "runchat.json"))
	loadOnce(filepath.Join(globalPath, "runchat.jsonc"))

	if directory != "" {
		loadOnce(filepath.Join(directory, "runchat.json"))
		loadOnce(filepath.Join(directory, "runchat.jsonc"))
		loadOnce(filepath.Join(directory, ".runchat", "runchat.json"))
		loadOnce(filepath.Join(directory, ".runchat", "runchat.jsonc"))

		// .env never overrides variables already present in the environment.
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	if path := os.Getenv("RUNCHAT_CONFIG"); path != "" {
		loadOnce(path)
	}

	if content := os.Getenv("RUNCHAT_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			mergeConfig(cfg, &inline)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// loadConfigFile loads a single config file with {env:VAR} interpolation.
func loadConfigFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(cfg, &fileConfig)
	return nil
}

// interpolate expands {env:VAR_NAME} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.APIURL != "" {
		target.APIURL = source.APIURL
	}
	if source.APIKey != "" {
		target.APIKey = source.APIKey
	}
	if source.GraphID != "" {
		target.GraphID = source.GraphID
	}
	if source.SwitchPolicy != "" {
		target.SwitchPolicy = source.SwitchPolicy
	}
	if source.StrictToolGate != nil {
		target.StrictToolGate = source.StrictToolGate
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogToFile {
		target.LogToFile = true
	}
	if source.RequestTimeout > 0 {
		target.RequestTimeout = source.RequestTimeout
	}

	if source.AssistantConfig != nil {
		if target.AssistantConfig == nil {
			target.AssistantConfig = make(map[string]any)
		}
		for k, v := range source.AssistantConfig {
			target.AssistantConfig[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
// RUNCHAT_* variables win over the LangGraph-style aliases.
func applyEnvOverrides(cfg *types.Config) {
	if v := firstEnv("RUNCHAT_API_URL", "LANGGRAPH_API_URL", "NEXT_PUBLIC_LANGGRAPH_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := firstEnv("RUNCHAT_API_KEY", "LG_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := firstEnv("RUNCHAT_GRAPH_ID", "NEXT_PUBLIC_GRAPH_ID"); v != "" {
		cfg.GraphID = v
	}
	if v := os.Getenv("RUNCHAT_SWITCH_POLICY"); v != "" {
		cfg.SwitchPolicy = types.SwitchPolicy(strings.ToLower(v))
	}
	if v := os.Getenv("RUNCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNCHAT_STRICT_TOOL_GATE"); v != "" {
		if strict, err := strconv.ParseBool(v); err == nil {
			cfg.StrictToolGate = &strict
		}
	}
}

func applyDefaults(cfg *types.Config) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.GraphID == "" {
		cfg.GraphID = DefaultGraphID
	}
	switch cfg.SwitchPolicy {
	case types.SwitchCancel, types.SwitchBackground:
	default:
		cfg.SwitchPolicy = types.SwitchCancel
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Save saves the configuration to a file.
func Save(cfg *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
