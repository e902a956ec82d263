package main

import (
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath  = "config/scanlens.yaml"
	defaultEnvFilePath = ".env"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	envFile    string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "scanlensd",
		Short: "Barcode scanning pipeline",
		Long: `scanlensd reads camera frames, decodes barcodes through an external
decoder process, resolves each code against the item backend and places
one overlay per recognized item.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFilePath, "optional .env file with SCANLENS_* overrides")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	return cmd
}
