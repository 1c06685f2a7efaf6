package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/xerrors/vllmrouter/internal/fleet"
)

// statModTime returns the mtime of the file at path.
func statModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// loadedConfig is the result of a successful parse: the typed AppConfig
// plus the constructed fleet backends and the source file's mtime.
type loadedConfig struct {
	app          AppConfig
	backends     []*fleet.Backend
	lastModified time.Time
}

// parseFile reads and decodes the TOML config file at path. A missing
// file yields an empty backend list with defaults applied (SPEC_FULL.md
// §4.1 "Failure semantics"); any other read or parse error, or a backend
// URL failing the http(s):// check, is returned to the caller so it can
// retain the previous state.
func parseFile(path string) (*loadedConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &loadedConfig{app: rawAppConfig{}.toAppConfig()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw rawFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	backends := make([]*fleet.Backend, 0, len(raw.Servers.Servers))
	for _, bc := range raw.Servers.Servers {
		if err := validateBackendURL(bc.URL); err != nil {
			return nil, fmt.Errorf("backend %q: %w", bc.URL, err)
		}
		maxConcurrent := bc.MaxConcurrentRequests
		if maxConcurrent <= 0 {
			maxConcurrent = 3
		}
		b, err := fleet.NewBackend(bc.URL, maxConcurrent)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bc.URL, err)
		}
		backends = append(backends, b)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	return &loadedConfig{
		app:          raw.Config.toAppConfig(),
		backends:     backends,
		lastModified: info.ModTime(),
	}, nil
}

// validateBackendURL enforces SPEC_FULL.md §4.1: "URLs must begin with
// http:// or https:// or validation fails."
func validateBackendURL(rawURL string) error {
	if len(rawURL) >= 7 && rawURL[:7] == "http://" {
		return nil
	}
	if len(rawURL) >= 8 && rawURL[:8] == "https://" {
		return nil
	}
	return fmt.Errorf("URL must start with http:// or https://")
}
