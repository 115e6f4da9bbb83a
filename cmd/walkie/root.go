package main

import (
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/config"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "walkie",
		Short: "Peer-to-peer push-to-talk audio over WebRTC",
		Long: `walkie connects to a relay hub, negotiates a direct WebRTC connection with
every other registered peer and carries PCM16LE audio per group.

Configuration comes from WALKIE_* environment variables, a .env file and
the flags accepted by each subcommand (run "walkie join --help").`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newJoinCmd(), newRoomsCmd(), newVersionCmd())
	return root
}

// loadConfig parses a subcommand's raw args. Subcommands disable cobra's own
// flag parsing so that config.Load owns every flag. ok is false after --help.
func loadConfig(args []string) (cfg config.Config, logger *slog.Logger, lf *pionlog.Factory, ok bool, err error) {
	cfg, err = config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return cfg, nil, nil, false, nil
	}
	if err != nil {
		return cfg, nil, nil, false, err
	}
	logger, err = config.NewLogger(cfg)
	if err != nil {
		return cfg, nil, nil, false, err
	}
	return cfg, logger, pionlog.NewFactory(logger), true, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build commit and time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			commit, built := resolveBuildInfo(buildCommit, buildTime)
			if commit == "" {
				commit = "unknown"
			}
			if built == "" {
				built = "unknown"
			}
			cmd.Printf("walkie %s (built %s)\n", commit, built)
			return nil
		},
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
