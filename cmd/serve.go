package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/config"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/observability"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/proxy"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/service"
)

// newServeCmd creates the `serve` command, the long-running selection service.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the selection service HTTP API",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so CLI values override the
			// config file and environment.
			if err := viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			if err := viper.BindPFlag("server.host_origin", cmd.Flags().Lookup("host-origin")); err != nil {
				return err
			}
			return viper.BindPFlag("intercept.enabled", cmd.Flags().Lookup("intercept"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-resolve config now that flag bindings are in place.
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pool := buildPool(cfg, logger)
			client := buildFetchClient(cfg, logger)
			fragment, err := buildFragment(cfg)
			if err != nil {
				return fmt.Errorf("rendering instrumentation fragment: %w", err)
			}

			manager := service.NewManager(service.ManagerConfig{
				Pool:             pool,
				Client:           client,
				InjectHTML:       fragment,
				HostOrigin:       cfg.Server.HostOrigin,
				UserAgent:        cfg.Server.UserAgent,
				DebounceInterval: cfg.Selection.DebounceInterval,
				PointThreshold:   cfg.Overlay.PointThreshold,
				MaxAncestors:     cfg.Selection.MaxAncestors,
				MaxClasses:       cfg.Selection.MaxClasses,
				Logger:           logger,
			})
			defer manager.Close()

			srv := service.NewServer(service.ServerConfig{
				Addr:    cfg.Server.Addr,
				Manager: manager,
				Pool:    pool,
				Logger:  logger,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("Selection service listening",
					zap.String("addr", cfg.Server.Addr),
					zap.String("host_origin", cfg.Server.HostOrigin))
				return srv.Start(gctx)
			})

			if cfg.Intercept.Enabled {
				ic, err := buildInterceptor(cfg, fragment, logger)
				if err != nil {
					return fmt.Errorf("building intercept proxy: %w", err)
				}
				g.Go(func() error {
					logger.Info("Intercept proxy listening", zap.String("addr", cfg.Intercept.Addr))
					return ic.Start(gctx, cfg.Intercept.Addr)
				})
			}

			return g.Wait()
		},
	}

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().String("host-origin", "", "embedding application origin (overrides server.host_origin)")
	serveCmd.Flags().Bool("intercept", false, "also run the MITM instrumentation proxy")

	return serveCmd
}

// buildInterceptor wires the optional instrumentation proxy, loading the CA
// key pair when HTTPS interception is configured.
func buildInterceptor(cfg *config.Config, fragment string, logger *zap.Logger) (*proxy.Interceptor, error) {
	icCfg := proxy.InterceptorConfig{
		InjectHTML: fragment,
		Logger:     logger,
	}
	if cfg.Intercept.CACertFile != "" {
		cert, err := os.ReadFile(cfg.Intercept.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		key, err := os.ReadFile(cfg.Intercept.CAKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA key: %w", err)
		}
		icCfg.CACert = cert
		icCfg.CAKey = key
	}
	return proxy.NewInterceptor(icCfg)
}
