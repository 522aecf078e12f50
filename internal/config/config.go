// Package config loads the YAML configuration of the egk command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDiscoveryURL = "https://idp.app.ti-dienste.de/.well-known/openid-configuration"
	DefaultClientID     = "eRezeptApp"
	DefaultRedirectURI  = "https://redirect.gematik.de/erezept"
	DefaultProfile      = "default"
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultLogLevel     = "info"
)

type Config struct {
	Card  CardConfig  `yaml:"card"`
	IdP   IdPConfig   `yaml:"idp"`
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
}

type CardConfig struct {
	// Reader is the PC/SC reader name. Empty selects the first reader.
	Reader string `yaml:"reader"`
	// CAN is the card access number printed on the card. Prompted for when
	// empty.
	CAN string `yaml:"can"`
}

type IdPConfig struct {
	DiscoveryURL        string        `yaml:"discovery_url"`
	ClientID            string        `yaml:"client_id"`
	RedirectURI         string        `yaml:"redirect_uri"`
	ExternalRedirectURI string        `yaml:"external_redirect_uri"`
	UserAgent           string        `yaml:"user_agent"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
}

type StoreConfig struct {
	Path    string `yaml:"path"`
	Profile string `yaml:"profile"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		IdP: IdPConfig{
			DiscoveryURL: DefaultDiscoveryURL,
			ClientID:     DefaultClientID,
			RedirectURI:  DefaultRedirectURI,
			HTTPTimeout:  DefaultHTTPTimeout,
		},
		Store: StoreConfig{
			Path:    defaultStorePath(),
			Profile: DefaultProfile,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "healthcard.yaml"
	}
	return filepath.Join(dir, "healthcard", "store.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults
// when optional is set.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	content, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.Store.Path = resolvePath(filepath.Dir(path), cfg.Store.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validateURL(c.IdP.DiscoveryURL, "config.idp.discovery_url"); err != nil {
		return err
	}
	if strings.TrimSpace(c.IdP.ClientID) == "" {
		return fmt.Errorf("config.idp.client_id is required")
	}
	if err := validateURL(c.IdP.RedirectURI, "config.idp.redirect_uri"); err != nil {
		return err
	}
	if c.IdP.ExternalRedirectURI != "" {
		if err := validateURL(c.IdP.ExternalRedirectURI, "config.idp.external_redirect_uri"); err != nil {
			return err
		}
	}
	if c.IdP.HTTPTimeout <= 0 {
		return fmt.Errorf("config.idp.http_timeout must be > 0")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("config.store.path is required")
	}
	if strings.TrimSpace(c.Store.Profile) == "" {
		return fmt.Errorf("config.store.profile is required")
	}
	if c.Card.CAN != "" && !isDigits(c.Card.CAN, 6) {
		return fmt.Errorf("config.card.can must be 6 digits")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level as a slog level name.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config.log.level: %w", err)
	}
	return level, nil
}

func validateURL(raw, field string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s must be an http(s) URL", field)
	}
	return nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, trimmed[2:])
		}
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}
