// Package config loads attrnorm settings from defaults, an optional YAML
// file and ATTRNORM_* environment variables, and provider credentials from
// the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/martinemde/attrnorm/consolidate"
	"github.com/martinemde/attrnorm/gateway"
	"github.com/martinemde/attrnorm/normalize"
	"github.com/martinemde/attrnorm/unifiedllm"
)

const envPrefix = "ATTRNORM"

type Config struct {
	Provider      string        `mapstructure:"provider"`
	LogLevel      string        `mapstructure:"log_level"`
	Paths         Paths         `mapstructure:"paths"`
	Consolidation Consolidation `mapstructure:"consolidation"`
	Normalization Normalization `mapstructure:"normalization"`
	Gateway       Gateway       `mapstructure:"gateway"`
}

// Paths names the artifact files. File names are relative to DataDir, or to
// FixtureDir in test mode.
type Paths struct {
	DataDir          string `mapstructure:"data_dir"`
	FixtureDir       string `mapstructure:"fixture_dir"`
	MappingFile      string `mapstructure:"mapping_file"`
	ConsolidatedFile string `mapstructure:"consolidated_file"`
	ItemsFile        string `mapstructure:"items_file"`
	NormalizedFile   string `mapstructure:"normalized_file"`
}

// Files holds resolved artifact paths.
type Files struct {
	Mapping      string
	Consolidated string
	Items        string
	Normalized   string
}

type Model struct {
	Name        string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

func (m Model) params() gateway.ModelParams {
	return gateway.ModelParams{Model: m.Name, Temperature: m.Temperature, MaxTokens: m.MaxTokens}
}

type Consolidation struct {
	ChunkSize   int           `mapstructure:"chunk_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Model       `mapstructure:",squash"`
}

type Normalization struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RateLimitStep  time.Duration `mapstructure:"rate_limit_step"`
	ItemPause      time.Duration `mapstructure:"item_pause"`
	BatchPause     time.Duration `mapstructure:"batch_pause"`
	MaxFieldLength int           `mapstructure:"max_field_length"`
	Ellipsis       string        `mapstructure:"ellipsis"`
	Match          string        `mapstructure:"match"`
	Model          `mapstructure:",squash"`
}

type Gateway struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	CachePath         string        `mapstructure:"cache_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "openai")
	v.SetDefault("log_level", "info")

	v.SetDefault("paths.data_dir", ".")
	v.SetDefault("paths.fixture_dir", "testdata")
	v.SetDefault("paths.mapping_file", "attribute_mapping.json")
	v.SetDefault("paths.consolidated_file", "consolidated_attributes.json")
	v.SetDefault("paths.items_file", "items.json")
	v.SetDefault("paths.normalized_file", "normalized_items.json")

	v.SetDefault("consolidation.chunk_size", consolidate.DefaultChunkSize)
	v.SetDefault("consolidation.max_attempts", consolidate.DefaultMaxAttempts)
	v.SetDefault("consolidation.retry_delay", consolidate.DefaultRetryDelay)
	v.SetDefault("consolidation.model", consolidate.DefaultParams.Model)
	v.SetDefault("consolidation.temperature", consolidate.DefaultParams.Temperature)
	v.SetDefault("consolidation.max_tokens", consolidate.DefaultParams.MaxTokens)

	v.SetDefault("normalization.batch_size", normalize.DefaultBatchSize)
	v.SetDefault("normalization.max_attempts", normalize.DefaultMaxAttempts)
	v.SetDefault("normalization.rate_limit_step", normalize.DefaultRateLimitStep)
	v.SetDefault("normalization.item_pause", normalize.DefaultItemPause)
	v.SetDefault("normalization.batch_pause", normalize.DefaultBatchPause)
	v.SetDefault("normalization.max_field_length", normalize.DefaultMaxFieldLength)
	v.SetDefault("normalization.ellipsis", normalize.DefaultEllipsis)
	v.SetDefault("normalization.match", string(normalize.MatchExact))
	v.SetDefault("normalization.model", normalize.DefaultParams.Model)
	v.SetDefault("normalization.temperature", normalize.DefaultParams.Temperature)
	v.SetDefault("normalization.max_tokens", normalize.DefaultParams.MaxTokens)

	v.SetDefault("gateway.timeout", 120*time.Second)
	v.SetDefault("gateway.requests_per_minute", 0)
	v.SetDefault("gateway.cache_path", "")
}

// Load reads the YAML file at path over the built-in defaults. An empty path
// loads defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Provider == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	if c.Consolidation.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("consolidation.chunk_size must be positive, got %d", c.Consolidation.ChunkSize))
	}
	if c.Consolidation.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("consolidation.max_attempts must be at least 1, got %d", c.Consolidation.MaxAttempts))
	}
	if c.Normalization.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("normalization.batch_size must be positive, got %d", c.Normalization.BatchSize))
	}
	if c.Normalization.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("normalization.max_attempts must be at least 1, got %d", c.Normalization.MaxAttempts))
	}
	if c.Normalization.MaxFieldLength < 1 {
		errs = append(errs, fmt.Errorf("normalization.max_field_length must be positive, got %d", c.Normalization.MaxFieldLength))
	}
	switch normalize.MatchMode(c.Normalization.Match) {
	case normalize.MatchExact, normalize.MatchFuzzy:
	default:
		errs = append(errs, fmt.Errorf("normalization.match must be %q or %q, got %q",
			normalize.MatchExact, normalize.MatchFuzzy, c.Normalization.Match))
	}
	for section, t := range map[string]float64{
		"consolidation": c.Consolidation.Temperature,
		"normalization": c.Normalization.Temperature,
	} {
		if t < 0 || t > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature must be within [0, 2], got %g", section, t))
		}
	}
	if c.Gateway.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("gateway.requests_per_minute must not be negative, got %g", c.Gateway.RequestsPerMinute))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// UnknownModels lists configured model names missing from the catalog. They
// are passed through to the provider unchanged.
func (c *Config) UnknownModels() []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range []string{c.Consolidation.Name, c.Normalization.Name} {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		if unifiedllm.GetModelInfo(m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// KnownModels lists the catalog model IDs for the configured provider.
func (c *Config) KnownModels() []string {
	var ids []string
	for _, m := range unifiedllm.ListModels(c.Provider) {
		ids = append(ids, m.ID)
	}
	return ids
}

// Resolve joins the file names onto the data directory, or onto the fixture
// directory when test is set.
func (p Paths) Resolve(test bool) Files {
	dir := p.DataDir
	if test {
		dir = p.FixtureDir
	}
	return Files{
		Mapping:      filepath.Join(dir, p.MappingFile),
		Consolidated: filepath.Join(dir, p.ConsolidatedFile),
		Items:        filepath.Join(dir, p.ItemsFile),
		Normalized:   filepath.Join(dir, p.NormalizedFile),
	}
}

func (c *Config) ConsolidateOptions() consolidate.Options {
	s := c.Consolidation
	return consolidate.Options{
		ChunkSize:   s.ChunkSize,
		MaxAttempts: s.MaxAttempts,
		RetryDelay:  s.RetryDelay,
		Params:      s.params(),
	}
}

func (c *Config) NormalizeOptions() normalize.Options {
	s := c.Normalization
	return normalize.Options{
		BatchSize:      s.BatchSize,
		MaxAttempts:    s.MaxAttempts,
		RateLimitStep:  s.RateLimitStep,
		ItemPause:      s.ItemPause,
		BatchPause:     s.BatchPause,
		MaxFieldLength: s.MaxFieldLength,
		Ellipsis:       s.Ellipsis,
		Match:          normalize.MatchMode(s.Match),
		Params:         s.params(),
	}
}

// Credentials are the provider API keys found in the environment.
type Credentials struct {
	OpenAI    string `env:"OPENAI_API_KEY"`
	Anthropic string `env:"ANTHROPIC_API_KEY"`
}

// LoadCredentials reads provider keys from the environment. Variables from
// dotenv files (default ".env") are exported first without overriding ones
// already set; missing files are ignored.
func LoadCredentials(dotenv ...string) (Credentials, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		if err := gotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	var c Credentials
	if err := env.Parse(&c); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials: %w", err)
	}
	return c, nil
}

// For returns the key for a provider, or "" when none is set.
func (c Credentials) For(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return c.OpenAI
	case "anthropic":
		return c.Anthropic
	}
	return ""
}
