package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/verifiedmeasure/leadvault/config"
)

// RootOptions holds global flags and the configuration they produce.
type RootOptions struct {
	EnvFile     string
	DBDriver    string
	DBPath      string
	DatabaseURL string
	LogMode     string

	Config config.Config
}

// NewRootCommand creates the root command for the leadvault CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "leadvault",
		Short:         "leadvault - credit-metered lead catalog",
		Long:          "Entitlement ledger, lead catalog and CSV staging pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load (missing is fine)")
	pf.StringVar(&opts.DBDriver, "db-driver", "", "override LEADVAULT_DB_DRIVER (sqlite|postgres)")
	pf.StringVar(&opts.DBPath, "db", "", "override LEADVAULT_DB_PATH")
	pf.StringVar(&opts.DatabaseURL, "database-url", "", "override LEADVAULT_DATABASE_URL")
	pf.StringVar(&opts.LogMode, "log-mode", "", "override LEADVAULT_LOG_MODE (development|production)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewGrantCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewMergeCommand(opts))
	cmd.AddCommand(NewRejectCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.EnvFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.DBDriver = strings.ToLower(o.DBDriver)
	}
	if flags.Changed("db") {
		cfg.DBPath = o.DBPath
	}
	if flags.Changed("database-url") {
		cfg.DatabaseURL = o.DatabaseURL
	}
	if flags.Changed("log-mode") {
		cfg.LogMode = o.LogMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.Config = cfg
	return nil
}

// printJSON writes v to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
