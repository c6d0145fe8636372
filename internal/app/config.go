package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete server configuration, loadable from environment
// variables (CATALOG_ prefix), flags, or YAML config files.
type Config struct {
	Addr     string        `default:"0.0.0.0:8080" usage:"HTTP listen address"`
	ListWait time.Duration `default:"3s" usage:"How long a list request waits for a pending load" flag:"list-wait"`
	Upstream UpstreamConfig
	Images   ImagesConfig
	CORS     CORSConfig
	Graceful GracefulConfig

	// HealthInterval is the probe polling period.
	HealthInterval time.Duration `default:"5s" usage:"Health probe interval" flag:"health-interval"`
}

// UpstreamConfig describes the remote catalog API.
type UpstreamConfig struct {
	BaseURL           string        `default:"https://fakestoreapi.com/" usage:"Catalog API root" flag:"upstream-base-url"`
	ListPath          string        `default:"products" usage:"Path of the product list; details live under it" flag:"upstream-list-path"`
	Timeout           time.Duration `default:"10s" usage:"Per-request timeout" flag:"upstream-timeout"`
	MaxBodyBytes      int64         `default:"8388608" usage:"Response size cap" flag:"upstream-max-body-bytes"`
	RequestsPerSecond float64       `default:"20" usage:"Outbound request rate, 0 disables throttling" flag:"upstream-rps"`
	Burst             int           `default:"5" usage:"Outbound burst size" flag:"upstream-burst"`
}

// ImagesConfig controls the two-level image cache.
type ImagesConfig struct {
	MemoryFraction float64  `default:"0.3" usage:"Share of available memory for decoded images" flag:"images-memory-fraction"`
	DiskBytes      int64    `default:"1073741824" usage:"Disk cache size, 0 disables the disk level" flag:"images-disk-bytes"`
	Dir            string   `default:"" usage:"Disk cache directory, defaults to <tmp>/image_cache" flag:"images-dir"`
	AllowedHosts   []string `default:"fakestoreapi.com" usage:"Hosts the image proxy may fetch from" flag:"images-allowed-hosts"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins"`
	MaxAge  int      `default:"86400" usage:"Preflight cache lifetime in seconds" flag:"cors-max-age"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CATALOG",
		Files:     []string{"config.yaml", "/etc/catalog/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// applyPlatformDefaults honours the PORT variable set by PaaS platforms.
func (c *Config) applyPlatformDefaults() {
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	if c.Upstream.ListPath == "" {
		return errors.New("upstream list path is required")
	}
	if f := c.Images.MemoryFraction; f <= 0 || f > 1 {
		return errors.Errorf("images memory fraction %v is outside (0, 1]", f)
	}
	if c.Images.DiskBytes < 0 {
		return errors.New("images disk bytes must not be negative")
	}
	if c.HealthInterval <= 0 {
		return errors.New("health interval must be positive")
	}
	if c.Upstream.RequestsPerSecond < 0 {
		return errors.New("upstream requests per second must not be negative")
	}
	return nil
}
