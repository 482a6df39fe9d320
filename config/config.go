// Package config loads the deployment settings of the gateway from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/offline-cache/classify"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/notify"
	"github.com/wolfeidau/offline-cache/syncqueue"
	"github.com/wolfeidau/offline-cache/upstream"
)

// Config is the deployment shape of one gateway version.
type Config struct {
	Origin  string `yaml:"origin"`
	Version string `yaml:"version"`

	Partitions    Partitions    `yaml:"partitions"`
	API           API           `yaml:"api"`
	Sync          Sync          `yaml:"sync"`
	Notifications Notifications `yaml:"notifications"`
	Upstream      Upstream      `yaml:"upstream"`

	// Manifest replaces the default shell. CriticalAssets are appended to it.
	Manifest       []string `yaml:"manifest"`
	CriticalAssets []string `yaml:"critical_assets"`
	DiscoverAssets bool     `yaml:"discover_assets"`

	Coalesce              bool `yaml:"coalesce"`
	FallbackOnServerError bool `yaml:"fallback_on_server_error"`
	CacheAnyStatus        bool `yaml:"cache_any_status"`
}

// Partitions holds the name prefixes; the version is appended to each.
type Partitions struct {
	StaticPrefix  string `yaml:"static_prefix"`
	DynamicPrefix string `yaml:"dynamic_prefix"`
}

type API struct {
	Prefix   string   `yaml:"prefix"`
	Patterns []string `yaml:"patterns"`
}

type Sync struct {
	Tag      string `yaml:"tag"`
	Endpoint string `yaml:"endpoint"`
}

type Notifications struct {
	Icon  string `yaml:"icon"`
	Badge string `yaml:"badge"`
	// MaxShown caps the unclicked notifications tracked at once.
	MaxShown int `yaml:"max_shown"`
}

type Upstream struct {
	// Timeout bounds each origin request. Zero means no timeout.
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Default returns the built-in settings. Origin and Version have no default.
func Default() Config {
	return Config{
		Partitions: Partitions{
			StaticPrefix:  "static-",
			DynamicPrefix: "dynamic-",
		},
		API: API{
			Prefix:   classify.DefaultAPIPrefix,
			Patterns: slices.Clone(classify.DefaultPatterns),
		},
		Sync: Sync{
			Tag:      syncqueue.DefaultTag,
			Endpoint: syncqueue.DefaultEndpoint,
		},
		Notifications: Notifications{
			Icon:     notify.DefaultIcon,
			Badge:    notify.DefaultBadge,
			MaxShown: notify.DefaultMaxShown,
		},
		Upstream: Upstream{
			MaxBodyBytes: upstream.DefaultMaxBodySize,
		},
		Manifest: slices.Clone(lifecycle.DefaultManifest),
	}
}

// Load reads the YAML file at path over Default. Unknown keys are an error.
// The result is not validated; flags may still override it.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default.
func Parse(b []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	var errs []error

	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin %q must be an absolute URL", c.Origin))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}

	if c.Partitions.StaticPrefix == "" || c.Partitions.DynamicPrefix == "" {
		errs = append(errs, errors.New("partition prefixes must not be empty"))
	} else if c.Partitions.StaticPrefix == c.Partitions.DynamicPrefix {
		errs = append(errs, errors.New("static and dynamic partition prefixes must differ"))
	}

	if !strings.HasPrefix(c.API.Prefix, "/") {
		errs = append(errs, fmt.Errorf("api.prefix %q must start with /", c.API.Prefix))
	}
	if _, err := classify.New(c.API.Prefix, c.API.Patterns); err != nil {
		errs = append(errs, err)
	}

	if !strings.HasPrefix(c.Sync.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("sync.endpoint %q must start with /", c.Sync.Endpoint))
	}
	if c.Sync.Tag == "" {
		errs = append(errs, errors.New("sync.tag must not be empty"))
	}

	for _, p := range c.ManifestPaths() {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("manifest entry %q must start with /", p))
		}
	}

	if c.Notifications.MaxShown < 0 {
		errs = append(errs, errors.New("notifications.max_shown must not be negative"))
	}

	if c.Upstream.Timeout < 0 {
		errs = append(errs, errors.New("upstream.timeout must not be negative"))
	}
	if c.Upstream.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("upstream.max_body_bytes must be positive"))
	}

	return errors.Join(errs...)
}

// StaticPartition is the static partition name for this version.
func (c Config) StaticPartition() string {
	return c.Partitions.StaticPrefix + c.Version
}

// DynamicPartition is the dynamic partition name for this version.
func (c Config) DynamicPartition() string {
	return c.Partitions.DynamicPrefix + c.Version
}

// ManifestPaths returns the install manifest followed by the critical
// assets, without duplicates.
func (c Config) ManifestPaths() []string {
	base := c.Manifest
	if len(base) == 0 {
		base = lifecycle.DefaultManifest
	}
	out := make([]string, 0, len(base)+len(c.CriticalAssets))
	for _, p := range slices.Concat(base, c.CriticalAssets) {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
