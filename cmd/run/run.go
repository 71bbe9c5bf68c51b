// Package run contains the command to run the semantic layer server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/semlayer/semlayer/internal/authn"
	"github.com/semlayer/semlayer/internal/authn/jwtauth"
	"github.com/semlayer/semlayer/internal/authn/presharedkey"
	"github.com/semlayer/semlayer/internal/build"
	"github.com/semlayer/semlayer/pkg/cache"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/logger"
	"github.com/semlayer/semlayer/pkg/preagg"
	"github.com/semlayer/semlayer/pkg/schema"
	"github.com/semlayer/semlayer/pkg/server"
	serverconfig "github.com/semlayer/semlayer/pkg/server/config"
	"github.com/semlayer/semlayer/pkg/storage"
	_ "github.com/semlayer/semlayer/pkg/storage/mysql"
	_ "github.com/semlayer/semlayer/pkg/storage/postgres"
	_ "github.com/semlayer/semlayer/pkg/storage/sqlite"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the semantic layer server",
		Long:  "Run the semantic layer server.",
		Run:   run,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, _ []string) {
			bindRunFlags(cmd)
		},
	}
	return cmd
}

// ReadConfig merges the defaults with config.yaml, environment variables and
// CLI flags, in increasing order of precedence.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

func (s *ServerContext) authenticatorConfig(config *serverconfig.Config) (authn.Authenticator, error) {
	switch config.Authn.Method {
	case serverconfig.AuthnMethodNone:
		s.Logger.Warn("authentication is disabled")
		return authn.NoopAuthenticator{}, nil
	case serverconfig.AuthnMethodPresharedKey:
		s.Logger.Info("using 'preshared' authentication")
		keys, err := presharedkey.LoadKeys(config.Authn.KeysFile)
		if err != nil {
			return nil, err
		}
		return presharedkey.NewPresharedKeyAuthenticator(keys)
	case serverconfig.AuthnMethodJWT:
		s.Logger.Info("using 'jwt' authentication")
		return jwtauth.NewJWTAuthenticator(jwtauth.Config{
			Secret:   config.Authn.JWTSecret,
			Issuer:   config.Authn.JWTIssuer,
			Audience: config.Authn.JWTAudience,
		})
	default:
		return nil, fmt.Errorf("unsupported authentication method '%v'", config.Authn.Method)
	}
}

// Run starts the server and blocks until a shutdown signal arrives.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, os.Kill, syscall.SIGTERM)
	defer stop()

	registry := schema.NewRegistry(schema.WithLogger(s.Logger))
	if err := registry.LoadDir(config.Schema.Dir); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	s.Logger.Info("schema loaded",
		zap.String("dir", config.Schema.Dir),
		zap.String("version", registry.Version()),
		zap.Int("cubes", len(registry.Cubes())),
	)

	router := storage.NewRouter(storage.WithLogger(s.Logger))
	if err := storage.LoadDataSources(config.DataSources.File, router, config.Metrics.Enabled); err != nil {
		return fmt.Errorf("load data sources: %w", err)
	}
	s.Logger.Info("data sources registered", zap.Strings("tenants", router.Tenants()))

	preaggStore := preagg.NewStore(registry)
	compiler := compile.NewCompiler(registry,
		compile.WithPreAggregations(preaggStore),
		compile.WithDefaultLimit(config.QueryRowLimit),
		compile.WithLogger(s.Logger),
	)

	cacheManager := cache.NewManager(
		cache.WithLogger(s.Logger),
		cache.WithMaxEntries(config.Cache.MaxEntries),
		cache.WithComputeTimeout(config.Cache.ComputeTimeout),
	)

	authenticator, err := s.authenticatorConfig(config)
	if err != nil {
		return err
	}

	svr := server.New(registry, compiler, cacheManager, router,
		server.WithLogger(s.Logger),
		server.WithAuthenticator(authenticator),
		server.WithSchemaDir(config.Schema.Dir),
		server.WithRequestTimeout(config.HTTP.RequestTimeout),
		server.WithDefaultCachePolicy(cache.Policy{
			TTL:                  config.Cache.TTL,
			StaleWhileRevalidate: config.Cache.StaleWhileRevalidate,
		}),
		server.WithMetrics(config.Metrics.Enabled),
		server.WithCORS(config.HTTP.CORSAllowedOrigins, config.HTTP.CORSAllowedHeaders),
	)

	httpServer := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: svr.Handler(),
	}

	schedulerDone := make(chan struct{})
	if config.PreAggs.Enabled {
		scheduler := preagg.NewScheduler(registry, compiler, router, preaggStore,
			preagg.WithLogger(s.Logger))
		go func() {
			defer close(schedulerDone)
			scheduler.Run(ctx)
		}()
	} else {
		close(schedulerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting %s v%s", build.ProjectName, build.Version),
			zap.String("addr", config.HTTP.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	s.Logger.Info("attempting to shutdown gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Info("failed to shutdown the http server", zap.Error(err))
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		s.Logger.Info("pre-aggregation scheduler did not drain in time")
	}

	cacheManager.Stop()
	router.Close()
	authenticator.Close()

	s.Logger.Info("server exited. goodbye 👋")
	return nil
}
