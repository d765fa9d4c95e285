package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader reads node configuration from a YAML file.
type Loader struct {
	koanf *koanf.Koanf
	path  string
}

// NewLoader creates a loader for the given config file path.
func NewLoader(path string) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return &Loader{
		koanf: koanf.New("."),
		path:  path,
	}, nil
}

// Load reads the file, expands environment references, applies defaults and
// validates. The returned Config is ready for use.
func (l *Loader) Load() (*Config, error) {
	LoadDotEnv()

	if err := l.koanf.Load(file.Provider(l.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", l.path, err)
	}

	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Process(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnvVarsInKoanf rewrites the raw koanf tree with env references
// expanded, so unmarshalling sees final values.
func (l *Loader) expandEnvVarsInKoanf() error {
	expanded, ok := ExpandEnvVarsInData(l.koanf.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("config root must be a mapping")
	}

	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("failed to reload expanded config: %w", err)
	}

	l.koanf = fresh
	return nil
}
