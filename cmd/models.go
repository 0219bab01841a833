package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"genesis/internal/provider"
	providerfactory "genesis/internal/provider/factory"
)

func newModelsCmd() *cobra.Command {
	var (
		cfgPath      string
		envFile      string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog built from the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				return errors.New("models command requires --config <path>")
			}

			cfg, err := loadConfig(cfgPath, envFile)
			if err != nil {
				return err
			}

			registry := provider.NewRegistry()
			if err := providerfactory.RegisterConfiguredProviders(cmd.Context(), cfg, registry); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tTEMPERATURE\tTHINKING")
			for _, m := range registry.Models(providerName) {
				temperature := "-"
				if m.DefaultTemperature != nil {
					temperature = fmt.Sprintf("%.2f", *m.DefaultTemperature)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", m.ID, m.Provider, m.DisplayName, temperature, m.SupportsThinking)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML configuration file (required)")
	cmd.Flags().StringVar(&envFile, "env-file", defaultEnvFile, "env file loaded before the configuration")
	cmd.Flags().StringVar(&providerName, "provider", "", "only list models served by this provider")
	return cmd
}
