package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"github.com/rudransh-shrivastava/peer-chat/internal/identity"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/tracker"
)

var (
	addr     string
	dbPath   string
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "peer-chat rendezvous tracker",
	Long: `tracker lets peer-chat clients in tracker mode find the other members of a
room and relays their WebRTC signaling. Room traffic never passes through it.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log := logger.New(os.Stderr, level, true)

		id, err := identity.LoadOrCreate(dataDir)
		if err != nil {
			return err
		}

		if dbPath == "" {
			dbPath = filepath.Join(dataDir, "tracker.db")
		}
		sqlDB, err := db.Open(dbPath)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		srv, err := tracker.NewServer(tracker.Config{
			Addr:   addr,
			Key:    id.Ed25519(),
			DB:     sqlDB,
			Logger: log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() { errc <- srv.Start(ctx) }()

		select {
		case err = <-errc:
		case <-ctx.Done():
			log.Info("Received shutdown signal")
		}
		if shutdownErr := srv.Shutdown(); shutdownErr != nil {
			log.Warn("Shutdown", "error", shutdownErr)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	flags := rootCmd.Flags()
	flags.StringVar(&addr, "addr", ":8080", "UDP address to listen on")
	flags.StringVar(&dbPath, "db", "", "SQLite database path (default <data-dir>/tracker.db)")
	flags.StringVar(&dataDir, "data-dir", filepath.Join(home, ".peer-chat-tracker"), "directory for the tracker identity and database")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
