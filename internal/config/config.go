// Package config loads the oneshot YAML file, fills defaults, validates
// it and builds the components the config describes.
//
// Values may reference environment variables as $VAR or ${VAR}; they are
// expanded before parsing so secrets can stay out of the file. CLI flags
// are applied by the caller between Load and Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of the config file.
type Config struct {
	GitHub      GitHubConfig      `yaml:"github"`
	ScaleSet    ScaleSetConfig    `yaml:"scaleset"`
	Engine      EngineConfig      `yaml:"engine"`
	Termination TerminationConfig `yaml:"termination"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	OTel        OTelConfig        `yaml:"otel"`
}

// Load reads path. A missing file yields an empty Config so flags alone
// can configure the process. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func (c *Config) ApplyDefaults() {
	c.ScaleSet.applyDefaults()
	c.Engine.applyDefaults()
	c.Termination.applyDefaults()
	c.Server.applyDefaults()
	c.Logging.applyDefaults()
	c.OTel.applyDefaults()
}

// Validate applies defaults and reports every problem it finds, one
// error per problem.
func (c *Config) Validate() error {
	c.ApplyDefaults()
	return errors.Join(
		c.GitHub.validate(),
		c.ScaleSet.validate(),
		c.Engine.validate(),
		c.Termination.validate(),
		c.Server.validate(),
		c.Logging.validate(),
	)
}
