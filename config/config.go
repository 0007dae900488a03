// Package config loads the module's deployment settings from a root-owned
// YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/zylisp/escalate/protocol"
)

// DefaultPath is read when the module is not told otherwise.
const DefaultPath = "/etc/security/escalate.yaml"

const (
	defaultHelper   = "exec:///usr/lib/escalate/escalate-helper"
	defaultLogLevel = "warn"
)

// Config holds the deployment settings.
type Config struct {
	// Helper is the helper address, see client.Dial.
	Helper string `yaml:"helper"`

	// Codec is the wire format, "msgpack" or "json".
	Codec string `yaml:"codec"`

	// HelperUID is the uid a socket helper must run as. Unset skips the
	// check.
	HelperUID *uint32 `yaml:"helper_uid"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the settings used when no file exists.
func Default() Config {
	return Config{
		Helper:   defaultHelper,
		Codec:    protocol.FormatMessagePack,
		LogLevel: defaultLogLevel,
	}
}

// Load reads the file at path. A missing file yields Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML settings on top of Default. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	// Empty values in the file mean "use the default"
	def := Default()
	if cfg.Helper == "" {
		cfg.Helper = def.Helper
	}
	if cfg.Codec == "" {
		cfg.Codec = def.Codec
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the codec and log level names.
func (c Config) Validate() error {
	switch c.Codec {
	case protocol.FormatMessagePack, protocol.FormatJSON:
	default:
		return fmt.Errorf("invalid config: unknown codec %q", c.Codec)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level returns the parsed log level, falling back to warn.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.WarnLevel
	}
	return lvl
}
