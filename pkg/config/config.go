// Package config provides configuration management for the Tor client.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Config represents the Tor client configuration
type Config struct {
	CacheDir      string // Directory holding the flat-file directory cache
	AuthorityFile string // Path to authority.json; defaults to <CacheDir>/authority.json

	ArchiveURL string // URL of the full directory-cache archive (gzip tarball)
	ChurnURL   string // URL of the churn-delta file

	RequestTimeout time.Duration // Max time for a single cache-refresh HTTP request
	ConnectTimeout time.Duration // Max time to establish the TCP connection for a cache refresh

	LogLevel string // Log level: debug, info, warn, error (default: info)
}

// DefaultConfig returns a configuration with sensible defaults. CacheDir must
// still be set by the caller; the authority file path is derived from it.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 15 * time.Second,
		LogLevel:       "info",
	}
}

// authorityFileName derives AuthorityFile from CacheDir when not set explicitly.
func (c *Config) authorityFileName() string {
	if c.AuthorityFile != "" {
		return c.AuthorityFile
	}
	return filepath.Join(c.CacheDir, "authority.json")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("CacheDir is required")
	}
	if c.ArchiveURL == "" {
		return fmt.Errorf("ArchiveURL is required")
	}
	if _, err := url.ParseRequestURI(c.ArchiveURL); err != nil {
		return fmt.Errorf("invalid ArchiveURL: %w", err)
	}
	if c.ChurnURL == "" {
		return fmt.Errorf("ChurnURL is required")
	}
	if _, err := url.ParseRequestURI(c.ChurnURL); err != nil {
		return fmt.Errorf("invalid ChurnURL: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("ConnectTimeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// AuthorityFilePath returns the resolved path to the trusted-authority file.
func (c *Config) AuthorityFilePath() string {
	return c.authorityFileName()
}
