// Package cli implements the chatsync command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/logging"
)

// rootOptions carries persistent flags and the loaded config to subcommands.
type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	userID     string

	cfg    *config.Config
	loader *config.Loader
}

// Execute runs the chatsync command tree.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Client-side chat synchronization engine",
		Long:          "chatsync keeps a local projection of conversations in sync with a chat server's push channel and history API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is $HOME/.config/chatsync/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "override logging format (json, console)")
	flags.StringVar(&opts.userID, "user", "", "override identity.user_id")

	cmd.AddCommand(
		newWatchCmd(opts),
		newReplayCmd(opts),
		newStateCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() error {
	loader := config.NewLoader()
	if o.configFile != "" {
		loader.SetConfigFile(o.configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.userID != "" {
		cfg.Identity.UserID = o.userID
	}

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logCfg.Output = f
	}
	logging.Init(logCfg)

	if used := loader.ConfigFileUsed(); used != "" {
		logger := logging.Component("cli")
		logger.Debug().Str("config_file", used).Msg("loaded config file")
	}

	o.cfg = cfg
	o.loader = loader
	return nil
}

// selfID returns the configured user id or an error naming how to set it.
func (o *rootOptions) selfID() (string, error) {
	id := strings.TrimSpace(o.cfg.Identity.UserID)
	if id == "" {
		return "", fmt.Errorf("identity.user_id is not set (use --user or %s_IDENTITY_USER_ID)", config.EnvPrefix)
	}
	return id, nil
}
