package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/network"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/observability"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
)

// newRelaysCmd creates the `relays` command, which lists the configured
// relay endpoints and optionally probes their health.
func newRelaysCmd() *cobra.Command {
	relaysCmd := &cobra.Command{
		Use:   "relays",
		Short: "Lists relay endpoints and optionally probes their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			probe, _ := cmd.Flags().GetBool("probe")

			pool := buildPool(cfg, logger)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			if !probe {
				fmt.Fprintln(w, "NAME\tORIGIN")
				for _, ep := range pool.Endpoints() {
					fmt.Fprintf(w, "%s\t%s\n", ep.Name, ep.Origin())
				}
				return w.Flush()
			}

			target := cfg.Relay.ProbeTarget
			if target == "" {
				target = relay.DefaultProbeTarget
			}
			timeout := cfg.Relay.ProbeTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}

			client := network.NewClient(network.NewProbeClientConfig())
			statuses := pool.Probe(ctx, client.Client, target, timeout)

			fmt.Fprintln(w, "NAME\tORIGIN\tHEALTHY\tLATENCY\tERROR")
			for _, st := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
					st.Endpoint.Name, st.Endpoint.Origin(), st.Healthy, st.Latency.Round(time.Millisecond), st.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !pool.SelectHealthy(statuses) {
				return fmt.Errorf("no healthy relay found for %s", target)
			}
			return nil
		},
	}

	relaysCmd.Flags().Bool("probe", false, "fetch the probe target through every relay")

	return relaysCmd
}
