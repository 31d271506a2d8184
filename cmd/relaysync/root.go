package main

import (
	"strings"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:           "relaysync",
		Short:         "Local-first directory sync engine",
		Long:          "relaysync mirrors a remote directory API into a local transactional store and commits queued local mutations back.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(opts.v, cmd.Flags()); err != nil {
				return err
			}
			return config.ReadFile(opts.v, opts.configPath)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (yaml, toml or json)")
	flags.String(flagName(config.KeyStoreDSN), "", "store DSN (memory://, sqlite://path, postgres://...)")
	flags.String(flagName(config.KeyBaseURL), "", "remote API base URL")
	flags.String(flagName(config.KeyLockDir), "", "directory for cross-process lock files (default: next to a sqlite store)")
	flags.String(flagName(config.KeyBroadcastDSN), "", "invalidation broadcaster (file://dir, redis://..., postgres://...; default derived from the store)")
	flags.String(flagName(config.KeyLogLevel), "", "log level")
	flags.String(flagName(config.KeyToken), "", "remote bearer token; overrides the stored credential")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

// bindFlags exposes --store-dsn and friends under their config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err == nil && f.Name != "config" {
			err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		}
	})
	return err
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
