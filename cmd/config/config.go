package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/stallwatch/internal/conf"
)

// Command creates the command that prints the effective configuration.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		showSecrets bool
		savePath    string
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the configuration after defaults, the config file, environment variables and flags have been merged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if savePath != "" {
				if err := conf.SaveYAMLConfig(savePath, settings); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "configuration written to %s\n", savePath)
				return nil
			}

			out := settings
			if !showSecrets {
				out = conf.Redacted(settings)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("error encoding settings: %w", err)
			}
			return enc.Close()
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print passwords and tokens unmasked")
	cmd.Flags().StringVar(&savePath, "save", "", "Write the effective configuration to this file instead of printing it")

	return cmd
}
