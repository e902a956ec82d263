package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration %s is valid (instance %s)\n", opts.configPath, cfg.InstanceID)
			if !printConfig {
				return nil
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration with defaults applied")
	return cmd
}
