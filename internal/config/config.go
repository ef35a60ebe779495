// Package config persists the small key/value store poolboot keeps between
// runs: digest algorithm choice, a checksum-skip flag, and source URL
// overrides. Unknown or legacy content is discarded (with a warning) and
// regenerated with defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// CurrentVersion is the on-disk format version this build understands.
const CurrentVersion = 1

// DefaultPath is where the store lives unless the caller says otherwise.
const DefaultPath = "/etc/poolboot.conf"

// Environment overrides. Each wins over the persisted value when set.
const (
	EnvDigestAlgo   = "POOLBOOT_DIGEST_ALGO"
	EnvChecksumURL  = "POOLBOOT_CHECKSUM_URL"
	EnvSkipChecksum = "POOLBOOT_SKIP_CHECKSUM"
	EnvSourceURL    = "POOLBOOT_SOURCE_URL"
)

// DefaultSourceURL is the conventional platform image publication root.
const DefaultSourceURL = "https://images.poolboot.org/platform"

// Config is the persisted configuration plus any environment overrides.
type Config struct {
	Version      int    `toml:"version"`
	DigestAlgo   string `toml:"digest_algorithm"`
	SkipChecksum bool   `toml:"skip_checksum"`
	SourceURL    string `toml:"source_url"`
	ChecksumURL  string `toml:"checksum_url"`
}

// Default returns the configuration written when no valid store exists.
func Default() Config {
	return Config{
		Version:    CurrentVersion,
		DigestAlgo: "sha256",
		SourceURL:  DefaultSourceURL,
	}
}

// Load reads the store at path. A missing file yields defaults. Content
// that fails to parse or carries an unknown version is discarded with a
// warning and the store is regenerated. Environment overrides are applied
// last and never persisted.
func Load(path string, log zerolog.Logger) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run; nothing persisted yet.
	case err != nil:
		return Config{}, errors.Wrapf(err, "read config %s", path)
	default:
		var loaded Config
		if _, derr := toml.Decode(string(data), &loaded); derr != nil {
			log.Warn().Str("path", path).Err(derr).
				Msg("discarding unparsable config, regenerating defaults")
			if werr := Save(path, cfg); werr != nil {
				return Config{}, werr
			}
		} else if loaded.Version != CurrentVersion {
			log.Warn().Str("path", path).Int("version", loaded.Version).
				Msg("discarding legacy config version, regenerating defaults")
			if werr := Save(path, cfg); werr != nil {
				return Config{}, werr
			}
		} else {
			cfg = loaded
			if cfg.DigestAlgo == "" {
				cfg.DigestAlgo = "sha256"
			}
			if cfg.SourceURL == "" {
				cfg.SourceURL = DefaultSourceURL
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes the store atomically (write-temp-then-rename).
func Save(path string, cfg Config) error {
	cfg.Version = CurrentVersion

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return errors.Wrap(err, "encode config")
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create config dir for %s", path)
	}
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "replace config %s", path)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDigestAlgo)); v != "" {
		cfg.DigestAlgo = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvChecksumURL)); v != "" {
		cfg.ChecksumURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSourceURL)); v != "" {
		cfg.SourceURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSkipChecksum)); v != "" {
		cfg.SkipChecksum = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
}
