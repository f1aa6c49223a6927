package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/observability"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/proxy"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/rewrite"
)

// newFetchCmd creates the `fetch` command: a one-shot relay fetch of a
// single page, with the same rewriting and instrumentation the service
// applies, written to stdout or a file. Useful for debugging why a
// particular page renders badly inside a frame.
func newFetchCmd() *cobra.Command {
	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetches one page through the relay pool and prints the rewritten document",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("network.ignore_tls_errors", cmd.Flags().Lookup("insecure"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			target := args[0]
			output, _ := cmd.Flags().GetString("output")
			instrument, _ := cmd.Flags().GetBool("instrument")

			pool := buildPool(cfg, logger)
			client := buildFetchClient(cfg, logger)

			var fragment string
			if instrument {
				fragment, err = buildFragment(cfg)
				if err != nil {
					return fmt.Errorf("rendering instrumentation fragment: %w", err)
				}
			}

			sess, err := proxy.NewSession(proxy.SessionConfig{
				Pool:         pool,
				Rewriter:     rewrite.NewRewriter(pool.ProxiedURL, logger),
				Client:       client,
				InjectHTML:   fragment,
				FetchTimeout: cfg.Network.FetchTimeout,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			content, err := sess.FetchContent(ctx, target)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", target, err)
			}
			logger.Info("Page fetched",
				zap.String("relay", content.Relay.Name),
				zap.Int("bytes", len(content.HTML)))

			if output != "" {
				return os.WriteFile(output, []byte(content.HTML), 0o644)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), content.HTML)
			return err
		},
	}

	fetchCmd.Flags().StringP("output", "o", "", "write the document to a file instead of stdout")
	fetchCmd.Flags().Bool("instrument", false, "inject the selection instrumentation fragment")
	fetchCmd.Flags().Bool("insecure", false, "skip upstream TLS verification")

	return fetchCmd
}
