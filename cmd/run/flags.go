package run

import (
	"github.com/spf13/cobra"

	"github.com/semlayer/semlayer/cmd/util"
	serverconfig "github.com/semlayer/semlayer/pkg/server/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
	util.MustBindEnv("http.addr", "SEMLAYER_HTTP_ADDR")

	flags.Duration("http-request-timeout", defaultConfig.HTTP.RequestTimeout, "the timeout for a single query request, end to end")
	util.MustBindPFlag("http.requestTimeout", flags.Lookup("http-request-timeout"))
	util.MustBindEnv("http.requestTimeout", "SEMLAYER_HTTP_REQUEST_TIMEOUT", "SEMLAYER_HTTP_REQUESTTIMEOUT")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")
	util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
	util.MustBindEnv("http.corsAllowedOrigins", "SEMLAYER_HTTP_CORS_ALLOWED_ORIGINS", "SEMLAYER_HTTP_CORSALLOWEDORIGINS")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")
	util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
	util.MustBindEnv("http.corsAllowedHeaders", "SEMLAYER_HTTP_CORS_ALLOWED_HEADERS", "SEMLAYER_HTTP_CORSALLOWEDHEADERS")

	flags.String("authn-method", defaultConfig.Authn.Method, "the authentication method to use (none, preshared, jwt)")
	util.MustBindPFlag("authn.method", flags.Lookup("authn-method"))
	util.MustBindEnv("authn.method", "SEMLAYER_AUTHN_METHOD")

	flags.String("authn-preshared-keys-file", defaultConfig.Authn.KeysFile, "the path of the YAML file holding the preshared keys")
	util.MustBindPFlag("authn.keysFile", flags.Lookup("authn-preshared-keys-file"))
	util.MustBindEnv("authn.keysFile", "SEMLAYER_AUTHN_PRESHARED_KEYS_FILE", "SEMLAYER_AUTHN_KEYSFILE")

	flags.String("authn-jwt-secret", defaultConfig.Authn.JWTSecret, "the shared secret used to verify JWT signatures")
	util.MustBindPFlag("authn.jwtSecret", flags.Lookup("authn-jwt-secret"))
	util.MustBindEnv("authn.jwtSecret", "SEMLAYER_AUTHN_JWT_SECRET", "SEMLAYER_AUTHN_JWTSECRET")

	flags.String("authn-jwt-issuer", defaultConfig.Authn.JWTIssuer, "the issuer expected in JWT tokens")
	util.MustBindPFlag("authn.jwtIssuer", flags.Lookup("authn-jwt-issuer"))
	util.MustBindEnv("authn.jwtIssuer", "SEMLAYER_AUTHN_JWT_ISSUER", "SEMLAYER_AUTHN_JWTISSUER")

	flags.String("authn-jwt-audience", defaultConfig.Authn.JWTAudience, "the audience expected in JWT tokens")
	util.MustBindPFlag("authn.jwtAudience", flags.Lookup("authn-jwt-audience"))
	util.MustBindEnv("authn.jwtAudience", "SEMLAYER_AUTHN_JWT_AUDIENCE", "SEMLAYER_AUTHN_JWTAUDIENCE")

	flags.String("schema-dir", defaultConfig.Schema.Dir, "the directory holding the cube definition YAML files")
	util.MustBindPFlag("schema.dir", flags.Lookup("schema-dir"))
	util.MustBindEnv("schema.dir", "SEMLAYER_SCHEMA_DIR")

	flags.String("datasources-file", defaultConfig.DataSources.File, "the YAML file mapping tenants to their data sources")
	util.MustBindPFlag("dataSources.file", flags.Lookup("datasources-file"))
	util.MustBindEnv("dataSources.file", "SEMLAYER_DATASOURCES_FILE")

	flags.Int64("cache-max-entries", defaultConfig.Cache.MaxEntries, "the maximum number of cached result sets")
	util.MustBindPFlag("cache.maxEntries", flags.Lookup("cache-max-entries"))
	util.MustBindEnv("cache.maxEntries", "SEMLAYER_CACHE_MAX_ENTRIES", "SEMLAYER_CACHE_MAXENTRIES")

	flags.Duration("cache-ttl", defaultConfig.Cache.TTL, "the default freshness window for cached results")
	util.MustBindPFlag("cache.ttl", flags.Lookup("cache-ttl"))
	util.MustBindEnv("cache.ttl", "SEMLAYER_CACHE_TTL")

	flags.Duration("cache-stale-while-revalidate", defaultConfig.Cache.StaleWhileRevalidate, "how long a stale result may still be served while refreshing in the background")
	util.MustBindPFlag("cache.staleWhileRevalidate", flags.Lookup("cache-stale-while-revalidate"))
	util.MustBindEnv("cache.staleWhileRevalidate", "SEMLAYER_CACHE_STALE_WHILE_REVALIDATE", "SEMLAYER_CACHE_STALEWHILEREVALIDATE")

	flags.Duration("cache-compute-timeout", defaultConfig.Cache.ComputeTimeout, "the timeout for a cache-miss recompute, independent of the caller's deadline")
	util.MustBindPFlag("cache.computeTimeout", flags.Lookup("cache-compute-timeout"))
	util.MustBindEnv("cache.computeTimeout", "SEMLAYER_CACHE_COMPUTE_TIMEOUT", "SEMLAYER_CACHE_COMPUTETIMEOUT")

	flags.Bool("preaggs-enabled", defaultConfig.PreAggs.Enabled, "enable/disable the pre-aggregation refresh scheduler")
	util.MustBindPFlag("preAggs.enabled", flags.Lookup("preaggs-enabled"))
	util.MustBindEnv("preAggs.enabled", "SEMLAYER_PREAGGS_ENABLED")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "SEMLAYER_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "SEMLAYER_LOG_LEVEL")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable the /metrics endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "SEMLAYER_METRICS_ENABLED")

	flags.Int("query-row-limit", defaultConfig.QueryRowLimit, "the row limit applied to queries that do not request one")
	util.MustBindPFlag("queryRowLimit", flags.Lookup("query-row-limit"))
	util.MustBindEnv("queryRowLimit", "SEMLAYER_QUERY_ROW_LIMIT", "SEMLAYER_QUERYROWLIMIT")
}
