// Package config loads clustering settings from YAML with EAC_* environment
// overrides. It does not depend on the analysis packages; pipeline.FromConfig
// maps a Config onto them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	eacerrors "trafficeac/pkg/errors"
)

// EnvPrefix prefixes every environment override: EAC_CLUSTER_COUNT etc.
const EnvPrefix = "EAC_"

// View is one ensemble aggregation granularity.
type View struct {
	Name        string   `yaml:"name"`
	PrefixBits  int      `yaml:"prefix_bits"`
	PrefixBits6 int      `yaml:"prefix_bits6"`
	Features    []string `yaml:"features,omitempty"`
}

type Config struct {
	FuzzinessExponent    float64 `yaml:"fuzziness_exponent"`
	ClusterCount         int     `yaml:"cluster_count"`
	NoiseDistanceScale   float64 `yaml:"noise_distance_scale"`
	MaxIterations        int     `yaml:"max_iterations"`
	ConvergenceTolerance float64 `yaml:"convergence_tolerance"`
	Seeding              string  `yaml:"seeding"`
	Seed                 uint64  `yaml:"seed"`

	DTWBandWidth int    `yaml:"dtw_band_width"`
	DTWNormalize bool   `yaml:"dtw_normalize"`
	Scaling      string `yaml:"scaling"`

	EnsembleViews []View `yaml:"ensemble_views"`
	MinNodes      int    `yaml:"min_nodes"`
	Workers       int    `yaml:"workers"`

	LinkageMethod     string  `yaml:"linkage_method"`
	DendrogramCutRule string  `yaml:"dendrogram_cut_rule"`
	CutThreshold      float64 `yaml:"cut_threshold"`
	CutMaxClusters    int     `yaml:"cut_max_clusters"`

	AnomalySizeThreshold float64 `yaml:"anomaly_size_threshold"`

	Cache     string        `yaml:"cache"`
	RedisAddr string        `yaml:"redis_addr"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	LogLevel     string `yaml:"log_level"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the stock configuration: four views at /32, /24, /16 and
// /8, two clusters per view, average linkage cut at 0.5 and a 20% anomaly
// size threshold.
func Default() Config {
	return Config{
		FuzzinessExponent:    2,
		ClusterCount:         2,
		NoiseDistanceScale:   1,
		MaxIterations:        100,
		ConvergenceTolerance: 1e-3,
		Seeding:              "maximin",
		Seed:                 10,
		Scaling:              "zscore",
		EnsembleViews: []View{
			{Name: "host", PrefixBits: 32, PrefixBits6: 128},
			{Name: "net24", PrefixBits: 24, PrefixBits6: 64},
			{Name: "net16", PrefixBits: 16, PrefixBits6: 48},
			{Name: "net8", PrefixBits: 8, PrefixBits6: 32},
		},
		LinkageMethod:        "average",
		DendrogramCutRule:    "threshold",
		CutThreshold:         0.5,
		AnomalySizeThreshold: 0.2,
		Cache:                "none",
		CacheTTL:             time.Hour,
		LogLevel:             "info",
		ServiceName:          "trafficeac",
	}
}

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eacerrors.Wrap(eacerrors.ErrorTypeConfig, err, "read config")
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads the file named by EAC_CONFIG, if any.
func LoadFromEnv() (*Config, error) {
	return Load(Get(EnvPrefix+"CONFIG", ""))
}

// Parse decodes YAML over the defaults without environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return eacerrors.Wrap(eacerrors.ErrorTypeConfig, err, "decode config")
	}
	return nil
}

type override struct {
	key string
	set func(string) error
}

func (c *Config) overrides() []override {
	return []override{
		{"fuzziness_exponent", floatVar(&c.FuzzinessExponent)},
		{"cluster_count", intVar(&c.ClusterCount)},
		{"noise_distance_scale", floatVar(&c.NoiseDistanceScale)},
		{"max_iterations", intVar(&c.MaxIterations)},
		{"convergence_tolerance", floatVar(&c.ConvergenceTolerance)},
		{"seeding", stringVar(&c.Seeding)},
		{"seed", func(s string) (err error) { c.Seed, err = cast.ToUint64E(s); return }},
		{"dtw_band_width", intVar(&c.DTWBandWidth)},
		{"dtw_normalize", func(s string) (err error) { c.DTWNormalize, err = cast.ToBoolE(s); return }},
		{"scaling", stringVar(&c.Scaling)},
		{"min_nodes", intVar(&c.MinNodes)},
		{"workers", intVar(&c.Workers)},
		{"linkage_method", stringVar(&c.LinkageMethod)},
		{"dendrogram_cut_rule", stringVar(&c.DendrogramCutRule)},
		{"cut_threshold", floatVar(&c.CutThreshold)},
		{"cut_max_clusters", intVar(&c.CutMaxClusters)},
		{"anomaly_size_threshold", floatVar(&c.AnomalySizeThreshold)},
		{"cache", stringVar(&c.Cache)},
		{"redis_addr", stringVar(&c.RedisAddr)},
		{"cache_ttl", func(s string) (err error) { c.CacheTTL, err = cast.ToDurationE(s); return }},
		{"log_level", stringVar(&c.LogLevel)},
		{"service_name", stringVar(&c.ServiceName)},
		{"otlp_endpoint", stringVar(&c.OTLPEndpoint)},
	}
}

// ApplyEnv overrides scalar keys from EAC_<UPPER_KEY> variables found by
// lookup. Views are file-only.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs *multierror.Error
	for _, o := range c.overrides() {
		name := EnvPrefix + strings.ToUpper(o.key)
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return eacerrors.Wrap(eacerrors.ErrorTypeConfig, err, "environment overrides")
	}
	return nil
}

func floatVar(p *float64) func(string) error {
	return func(s string) (err error) {
		*p, err = cast.ToFloat64E(s)
		return
	}
}

func intVar(p *int) func(string) error {
	return func(s string) (err error) {
		*p, err = cast.ToIntE(s)
		return
	}
}

func stringVar(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	fail := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if !(c.FuzzinessExponent > 1) {
		fail("fuzziness_exponent must be > 1, got %v", c.FuzzinessExponent)
	}
	if c.ClusterCount <= 0 {
		fail("cluster_count must be positive, got %d", c.ClusterCount)
	}
	if c.MaxIterations <= 0 {
		fail("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if !(c.ConvergenceTolerance > 0) {
		fail("convergence_tolerance must be positive, got %v", c.ConvergenceTolerance)
	}
	if !oneOf(c.Seeding, "maximin", "random") {
		fail("seeding %q is not maximin or random", c.Seeding)
	}
	if c.DTWBandWidth < 0 {
		fail("dtw_band_width must be >= 0, got %d", c.DTWBandWidth)
	}
	if !oneOf(c.Scaling, "none", "zscore", "minmax") {
		fail("scaling %q is not none, zscore or minmax", c.Scaling)
	}
	if len(c.EnsembleViews) == 0 {
		fail("ensemble_views is empty")
	}
	names := map[string]bool{}
	for i, v := range c.EnsembleViews {
		switch {
		case v.Name == "":
			fail("ensemble_views[%d] has no name", i)
		case names[v.Name]:
			fail("ensemble_views[%d] duplicates name %q", i, v.Name)
		}
		names[v.Name] = true
		if v.PrefixBits < 0 || v.PrefixBits > 32 {
			fail("ensemble_views[%d] prefix_bits %d out of range", i, v.PrefixBits)
		}
		if v.PrefixBits6 < 0 || v.PrefixBits6 > 128 {
			fail("ensemble_views[%d] prefix_bits6 %d out of range", i, v.PrefixBits6)
		}
	}
	if c.MinNodes < 0 {
		fail("min_nodes must be >= 0, got %d", c.MinNodes)
	}
	if !oneOf(c.LinkageMethod, "average", "single", "complete", "weighted") {
		fail("linkage_method %q is not supported", c.LinkageMethod)
	}
	switch c.DendrogramCutRule {
	case "threshold":
		if c.CutThreshold < 0 || c.CutThreshold > 1 {
			fail("cut_threshold %v outside [0, 1]", c.CutThreshold)
		}
	case "max_clusters":
		if c.CutMaxClusters < 1 {
			fail("cut_max_clusters must be >= 1 with the max_clusters rule, got %d", c.CutMaxClusters)
		}
	case "lifetime":
	default:
		fail("dendrogram_cut_rule %q is not threshold, max_clusters or lifetime", c.DendrogramCutRule)
	}
	if !(c.AnomalySizeThreshold > 0 && c.AnomalySizeThreshold <= 1) {
		fail("anomaly_size_threshold %v outside (0, 1]", c.AnomalySizeThreshold)
	}
	switch c.Cache {
	case "none", "memory":
	case "redis":
		if c.RedisAddr == "" {
			fail("redis_addr is required with cache=redis")
		}
	default:
		fail("cache %q is not none, memory or redis", c.Cache)
	}
	if !oneOf(strings.ToLower(c.LogLevel), "debug", "info", "warn", "error") {
		fail("log_level %q is not debug, info, warn or error", c.LogLevel)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return eacerrors.Wrap(eacerrors.ErrorTypeConfig, err, "invalid configuration")
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
