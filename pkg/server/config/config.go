// Package config contains all knobs and defaults used to configure the
// semantic layer when running as a standalone server.
package config

import (
	"fmt"
	"time"
)

const (
	DefaultHTTPAddr = "0.0.0.0:8080"

	DefaultRequestTimeout = 30 * time.Second

	DefaultCacheMaxEntries     = int64(10000)
	DefaultCacheTTL            = 30 * time.Second
	DefaultCacheSWR            = time.Duration(0)
	DefaultCacheComputeTimeout = 30 * time.Second

	DefaultMaxOpenConns   = 30
	DefaultMaxIdleConns   = 10
	DefaultAcquireTimeout = 5 * time.Second

	DefaultQueryRowLimit = 10000
)

// AuthnMethod selects how requests are authenticated.
const (
	AuthnMethodNone         = "none"
	AuthnMethodPresharedKey = "preshared"
	AuthnMethodJWT          = "jwt"
)

type HTTPConfig struct {
	Addr string

	// RequestTimeout bounds the whole request, including any wait on a
	// shared cache refresh.
	RequestTimeout time.Duration

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

type AuthnConfig struct {
	// Method is one of none, preshared, jwt.
	Method string

	// KeysFile points at a YAML file of preshared keys (method=preshared).
	KeysFile string

	// JWT settings (method=jwt).
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type SchemaConfig struct {
	// Dir holds the cube definition YAML files.
	Dir string
}

type DataSourcesConfig struct {
	// File points at a YAML file mapping tenants to data source
	// descriptors: {dataSources: [{tenant, name, kind, uri, maxOpenConns, ...}]}.
	File string
}

type CacheConfig struct {
	MaxEntries int64

	// TTL and StaleWhileRevalidate apply to cubes that do not configure
	// their own cache policy.
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration

	ComputeTimeout time.Duration
}

type PreAggConfig struct {
	Enabled bool
}

type LogConfig struct {
	// Format is "text" or "json".
	Format string

	// Level is one of none, debug, info, warn, error, panic, fatal.
	Level string
}

type MetricsConfig struct {
	Enabled bool
}

type Config struct {
	HTTP        HTTPConfig
	Authn       AuthnConfig
	Schema      SchemaConfig
	DataSources DataSourcesConfig
	Cache       CacheConfig
	PreAggs     PreAggConfig
	Log         LogConfig
	Metrics     MetricsConfig

	QueryRowLimit int
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:               DefaultHTTPAddr,
			RequestTimeout:     DefaultRequestTimeout,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Authn: AuthnConfig{
			Method: AuthnMethodPresharedKey,
		},
		Schema: SchemaConfig{
			Dir: "./schema",
		},
		DataSources: DataSourcesConfig{
			File: "./datasources.yaml",
		},
		Cache: CacheConfig{
			MaxEntries:           DefaultCacheMaxEntries,
			TTL:                  DefaultCacheTTL,
			StaleWhileRevalidate: DefaultCacheSWR,
			ComputeTimeout:       DefaultCacheComputeTimeout,
		},
		PreAggs: PreAggConfig{Enabled: true},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics:       MetricsConfig{Enabled: true},
		QueryRowLimit: DefaultQueryRowLimit,
	}
}

// Verify checks the configuration for contradictions before startup.
func (c *Config) Verify() error {
	switch c.Authn.Method {
	case AuthnMethodNone:
	case AuthnMethodPresharedKey:
		if c.Authn.KeysFile == "" {
			return fmt.Errorf("authn method %q requires a keys file", c.Authn.Method)
		}
	case AuthnMethodJWT:
		if c.Authn.JWTSecret == "" {
			return fmt.Errorf("authn method %q requires a signing secret", c.Authn.Method)
		}
	default:
		return fmt.Errorf("unknown authn method %q", c.Authn.Method)
	}

	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http request timeout must be positive")
	}
	if c.Cache.TTL < 0 || c.Cache.StaleWhileRevalidate < 0 {
		return fmt.Errorf("cache ttl and stale-while-revalidate must not be negative")
	}
	return nil
}
