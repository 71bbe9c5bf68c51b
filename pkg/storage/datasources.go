package storage

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// TenantDataSource is the deployment-facing shape of one tenant's data
// source descriptor. Durations are Go duration strings.
type TenantDataSource struct {
	Tenant string `json:"tenant"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	URI    string `json:"uri"`

	MaxOpenConns    int    `json:"maxOpenConns"`
	MaxIdleConns    int    `json:"maxIdleConns"`
	ConnMaxIdleTime string `json:"connMaxIdleTime"`
	ConnMaxLifetime string `json:"connMaxLifetime"`
	AcquireTimeout  string `json:"acquireTimeout"`
}

// LoadDataSources reads a YAML file of the form {dataSources: [...]} and
// registers every descriptor with the router.
func LoadDataSources(path string, router *Router, exportMetrics bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read data sources file: %w", err)
	}

	var doc struct {
		DataSources []TenantDataSource `json:"dataSources"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode data sources file: %w", err)
	}

	for _, ds := range doc.DataSources {
		if ds.Tenant == "" || ds.URI == "" {
			return fmt.Errorf("data source %q needs a tenant and a uri", ds.Name)
		}

		cfg := DataSourceConfig{
			Name: ds.Name,
			Kind: ds.Kind,
			Config: Config{
				URI:          ds.URI,
				MaxOpenConns: ds.MaxOpenConns,
				MaxIdleConns: ds.MaxIdleConns,
			},
		}
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 30
		}
		if exportMetrics {
			cfg.PoolName = ds.Tenant + "_" + ds.Name
		}

		for _, d := range []struct {
			raw string
			dst *time.Duration
		}{
			{ds.ConnMaxIdleTime, &cfg.ConnMaxIdleTime},
			{ds.ConnMaxLifetime, &cfg.ConnMaxLifetime},
			{ds.AcquireTimeout, &cfg.AcquireTimeout},
		} {
			if d.raw == "" {
				continue
			}
			parsed, err := time.ParseDuration(d.raw)
			if err != nil {
				return fmt.Errorf("data source %q: bad duration %q: %w", ds.Name, d.raw, err)
			}
			*d.dst = parsed
		}

		router.RegisterDataSource(ds.Tenant, cfg)
	}
	return nil
}
