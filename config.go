package rls

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for config files with an unknown extension.
var ErrUnsupportedFormat = errors.New("rls: unsupported config format")

// ConfigVersion is the only schema version understood by this package.
const ConfigVersion = 1

// Config is the declarative source of the Policy Store and engine settings.
type Config struct {
	Version  uint16          `json:"version" yaml:"version" msgpack:"version"`
	Engine   EngineConfig    `json:"engine" yaml:"engine" msgpack:"engine"`
	Policies []*AccessPolicy `json:"policies" yaml:"policies" msgpack:"policies"`
}

// EngineConfig holds process-wide engine settings. Zero values keep defaults.
type EngineConfig struct {
	AppIDPrefix           string `json:"app_id_prefix,omitempty" yaml:"app_id_prefix,omitempty" msgpack:"app_id_prefix,omitempty"`
	MaskText              string `json:"mask_text,omitempty" yaml:"mask_text,omitempty" msgpack:"mask_text,omitempty"`
	AuditBuffer           int    `json:"audit_buffer,omitempty" yaml:"audit_buffer,omitempty" msgpack:"audit_buffer,omitempty"`
	ModelCacheNumCounters int64  `json:"model_cache_num_counters,omitempty" yaml:"model_cache_num_counters,omitempty" msgpack:"model_cache_num_counters,omitempty"`
	ModelCacheMaxCost     int64  `json:"model_cache_max_cost,omitempty" yaml:"model_cache_max_cost,omitempty" msgpack:"model_cache_max_cost,omitempty"`
	ModelCacheBufferItems int64  `json:"model_cache_buffer_items,omitempty" yaml:"model_cache_buffer_items,omitempty" msgpack:"model_cache_buffer_items,omitempty"`
}

// Options converts the settings into engine options.
func (c EngineConfig) Options() []EngineOption {
	var opts []EngineOption
	if c.AppIDPrefix != "" {
		opts = append(opts, WithAppIDPrefix(c.AppIDPrefix))
	}
	if c.MaskText != "" {
		opts = append(opts, WithMaskText(c.MaskText))
	}
	return opts
}

// ModelCache returns the cache sizing, falling back to defaults.
func (c EngineConfig) ModelCache() ModelCacheConfig {
	mc := DefaultModelCacheConfig()
	if c.ModelCacheNumCounters > 0 {
		mc.NumCounters = c.ModelCacheNumCounters
	}
	if c.ModelCacheMaxCost > 0 {
		mc.MaxCost = c.ModelCacheMaxCost
	}
	if c.ModelCacheBufferItems > 0 {
		mc.BufferItems = c.ModelCacheBufferItems
	}
	return mc
}

// Store validates the policies and builds the immutable store.
func (c *Config) Store() (*StaticPolicyStore, error) {
	if c.Version != 0 && c.Version != ConfigVersion {
		return nil, fmt.Errorf("rls: unsupported config version %d", c.Version)
	}
	return NewStaticPolicyStore(c.Policies...)
}

// Validate reports every schema problem in the config.
func (c *Config) Validate() error {
	_, err := c.Store()
	return err
}

// NewEngineFromConfig builds the store and an engine using the config's
// engine settings followed by opts.
func NewEngineFromConfig(cfg *Config, opts ...EngineOption) (*Engine, error) {
	store, err := cfg.Store()
	if err != nil {
		return nil, fmt.Errorf("load policy store: %w", err)
	}
	return NewEngine(store, append(cfg.Engine.Options(), opts...)...)
}

// ConfigLoader decodes configuration from the supported encodings.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadMsgpack(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := msgpack.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func (c *Config) ToMsgpack() ([]byte, error) {
	return msgpack.Marshal(c)
}

// Decode picks a decoder from the file extension of name.
func Decode(name string, data []byte) (*Config, error) {
	loader := NewConfigLoader()
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".msgpack", ".mp":
		return loader.LoadMsgpack(data)
	case ".rls":
		return NewDSLParser().Parse(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Encode renders cfg in the format implied by the extension of name.
func Encode(name string, cfg *Config) ([]byte, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		return cfg.ToYAML()
	case ".json":
		return cfg.ToJSON()
	case ".msgpack", ".mp":
		return cfg.ToMsgpack()
	case ".rls":
		return NewDSLEncoder().Encode(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// LoadFile reads and decodes a config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// SaveFile encodes cfg by extension and writes it to path.
func SaveFile(path string, cfg *Config) error {
	data, err := Encode(path, cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
