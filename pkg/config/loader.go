package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. NEBULA_BC_SOURCE_CLIENT_SECRET.
const EnvPrefix = "NEBULA_BC"

// Load reads a YAML or JSON configuration file on top of the defaults.
// ${VAR} references in the file are substituted from the environment and any
// key can be overridden with a NEBULA_BC_ prefixed variable.
func Load(filePath string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
		}

		v.SetConfigType(configType(filePath))
		if err := v.MergeConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode config")
	}
	return cfg, nil
}

// newViper seeds a viper instance with every default key so AutomaticEnv can
// override keys that the file does not mention.
func newViper() (*viper.Viper, error) {
	defaults, err := yaml.Marshal(NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func configType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// Save writes a configuration as YAML
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		content = content[:start] + os.Getenv(varName) + content[end+1:]
	}
	return content
}
