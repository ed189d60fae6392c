package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-chat/internal/config"
)

type options struct {
	configPath   string
	topic        string
	username     string
	dataDir      string
	downloadsDir string
	mode         string
	tracker      string
	logLevel     string
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "peer-chat",
	Short: "peer to peer group chat with file sharing",
	Long: `peer-chat is a peer to peer group chat. Every room is a swarm of peers
meeting on a shared topic; messages and files travel directly between them.

Start without --topic to create a new room, then share its /invite code.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(opts.configPath, opts.dataDir)
		if err != nil {
			return err
		}
		applyFlags(cmd, &opts, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, cfg, opts.topic, os.Stdin, os.Stdout)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.topic, "topic", "t", "", "room topic to join (64 hex characters)")
	flags.StringVarP(&opts.username, "username", "u", "", "display name in chat")
	flags.StringVar(&opts.username, "name", "", "alias for --username")
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default <data-dir>/config.toml)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for identity, database and logs")
	flags.StringVar(&opts.downloadsDir, "downloads-dir", "", "directory accepted files are saved to")
	flags.StringVar(&opts.mode, "mode", "", "peer discovery: dht or tracker")
	flags.StringVar(&opts.tracker, "tracker", "", "tracker address for tracker mode")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	_ = flags.MarkHidden("name")
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cobra.Command, o *options, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("username") || flags.Changed("name") {
		cfg.Username = o.username
	}
	if flags.Changed("data-dir") {
		cfg.Paths.DataDir = o.dataDir
	}
	if flags.Changed("downloads-dir") {
		cfg.Paths.DownloadsDir = o.downloadsDir
	}
	if flags.Changed("mode") {
		cfg.Network.Mode = o.mode
	}
	if flags.Changed("tracker") {
		cfg.Network.TrackerAddr = o.tracker
		if !flags.Changed("mode") {
			cfg.Network.Mode = config.ModeTracker
		}
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
}
