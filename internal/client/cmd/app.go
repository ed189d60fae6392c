package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/rudransh-shrivastava/peer-chat/internal/config"
	"github.com/rudransh-shrivastava/peer-chat/internal/identity"
	"github.com/rudransh-shrivastava/peer-chat/internal/invite"
	"github.com/rudransh-shrivastava/peer-chat/internal/logger"
	"github.com/rudransh-shrivastava/peer-chat/internal/peer"
	"github.com/rudransh-shrivastava/peer-chat/internal/room"
	"github.com/rudransh-shrivastava/peer-chat/internal/store"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
	"github.com/rudransh-shrivastava/peer-chat/internal/transport/p2p"
)

// runChat wires the chat stack from cfg and runs the REPL until the user
// exits or ctx is cancelled.
func runChat(ctx context.Context, cfg *config.Config, topic string, in io.Reader, out io.Writer) error {
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.DownloadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	log, closeLog, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	id, err := identity.LoadOrCreate(cfg.Paths.DataDir)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(db); err != nil {
			log.Warn("Failed to close database", "error", err)
		}
	}()

	fmt.Fprintln(out, systemStyle.Render("Connecting to the network..."))
	swarm, err := newSwarm(ctx, cfg, id, log)
	if err != nil {
		return err
	}

	reg, err := newRegistry(swarm, cfg, db, log)
	if err != nil {
		_ = swarm.Close()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Leave.Duration)
		defer cancel()
		if err := reg.Close(closeCtx); err != nil {
			log.Warn("Shutdown incomplete", "error", err)
		}
	}()

	r := newREPL(reg, store.NewRoomStore(db), store.NewTransferStore(db), out, log)
	r.println(headerStyle.Render("peer-chat") + systemStyle.Render(" as "+reg.Username()+", /help for commands"))

	if err := startRoom(ctx, r, topic); err != nil {
		r.println(formatError(err))
	}
	return r.Run(ctx, in)
}

func openLog(cfg *config.Config) (*slog.Logger, func(), error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	path := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log := logger.New(f, level, false)
	slog.SetDefault(log)
	return log, func() { _ = f.Close() }, nil
}

func newSwarm(ctx context.Context, cfg *config.Config, id *identity.Identity, log *slog.Logger) (transport.Swarm, error) {
	switch cfg.Network.Mode {
	case config.ModeTracker:
		c, err := peer.NewClient(ctx, peer.Config{
			TrackerAddr: cfg.Network.TrackerAddr,
			Key:         id.Ed25519(),
			STUNServers: cfg.Network.STUNServers,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to tracker: %w", err)
		}
		return c, nil
	default:
		var bootstrap []string
		if len(cfg.Network.Bootstrap) > 0 {
			bootstrap = cfg.Network.Bootstrap
		}
		s, err := p2p.New(ctx, p2p.Config{
			Key:         id.PrivKey(),
			ListenAddrs: cfg.Network.ListenAddrs,
			Bootstrap:   bootstrap,
			MDNS:        cfg.Network.MDNS,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newRegistry(swarm transport.Swarm, cfg *config.Config, db *gorm.DB, log *slog.Logger) (*room.Registry, error) {
	return room.NewRegistry(swarm, room.Options{
		Username:     cfg.Username,
		JoinTimeout:  cfg.Timeouts.Join.Duration,
		LeaveTimeout: cfg.Timeouts.Leave.Duration,
		Rooms:        store.NewRoomStore(db),
		Transfer: transfer.Config{
			DownloadsDir: cfg.Paths.DownloadsDir,
			Window:       cfg.Transfer.Window,
			AckTimeout:   cfg.Timeouts.Ack.Duration,
			Compress:     cfg.Transfer.Compress,
			History:      store.NewTransferStore(db),
			Logger:       log,
		},
		Logger: log,
	})
}

// startRoom joins topic, or creates a fresh room and prints its invite.
func startRoom(ctx context.Context, r *repl, topic string) error {
	if topic != "" {
		return r.join(ctx, room.Descriptor{Topic: topic})
	}

	d, err := r.reg.CreateRoom(ctx, "", "")
	if err != nil {
		return r.joinError(err)
	}
	code, err := invite.Encode(d)
	if err != nil {
		return err
	}
	r.println("Share this invite code to let others join:")
	r.println(code)
	return nil
}
