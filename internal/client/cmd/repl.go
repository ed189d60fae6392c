package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/room"
	"github.com/rudransh-shrivastava/peer-chat/internal/store"
)

var errExit = errors.New("exit requested")

type handler func(ctx context.Context, args string) error

// repl reads chat lines and slash commands, and prints the room log as it
// grows.
type repl struct {
	reg      *room.Registry
	rooms    *store.RoomStore
	history  *store.TransferStore
	logger   *slog.Logger
	commands map[string]handler

	outMu sync.Mutex
	out   io.Writer
}

func newREPL(reg *room.Registry, rooms *store.RoomStore, history *store.TransferStore, out io.Writer, logger *slog.Logger) *repl {
	if logger == nil {
		logger = slog.Default()
	}
	r := &repl{
		reg:     reg,
		rooms:   rooms,
		history: history,
		logger:  logger,
		out:     out,
	}
	r.commands = map[string]handler{
		"help":      r.cmdHelp,
		"nick":      r.cmdNick,
		"share":     r.cmdShare,
		"accept":    r.cmdAccept,
		"peers":     r.cmdPeers,
		"transfers": r.cmdTransfers,
		"history":   r.cmdHistory,
		"topic":     r.cmdTopic,
		"clear":     r.cmdClear,
		"invite":    r.cmdInvite,
		"join":      r.cmdJoin,
		"room":      r.cmdRoom,
		"rooms":     r.cmdRooms,
		"switch":    r.cmdSwitch,
		"leave":     r.cmdLeave,
		"exit":      r.cmdExit,
		"quit":      r.cmdExit,
	}
	return r
}

// parseLine splits "/name args" into its parts. Lines without a leading
// slash are chat.
func parseLine(line string) (name, args string, isCommand bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line, false
	}
	line = line[1:]
	name, args, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// Run reads in until EOF, /exit or ctx ends.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.follow(ctx)
	}()
	defer wg.Wait()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.Warn("Reading input failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.execute(ctx, line); err != nil {
				if errors.Is(err, errExit) {
					return nil
				}
				r.println(formatError(err))
			}
		}
	}
}

func (r *repl) execute(ctx context.Context, line string) error {
	name, args, isCommand := parseLine(line)
	if !isCommand {
		if args == "" {
			return nil
		}
		return r.chat(args)
	}

	h, ok := r.commands[name]
	if !ok {
		return fmt.Errorf("unknown command: /%s (type /help to see available commands)", name)
	}
	return h(ctx, args)
}

func (r *repl) chat(text string) error {
	err := r.reg.SendChat(text)
	switch {
	case err == nil, errors.Is(err, room.ErrNoPeers):
		// the room log already says nobody received it
		return nil
	case errors.Is(err, room.ErrNoRoom):
		return errors.New("not in a room: use /room <name> or /join <invite>")
	default:
		return err
	}
}

// follow prints log updates and room status changes until ctx ends.
func (r *repl) follow(ctx context.Context) {
	updates := r.reg.Log().Updates()
	events := r.reg.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			tag := ""
			if cur, ok := r.reg.Current(); !ok || cur.Topic != u.Topic {
				tag = r.roomName(u.Topic)
			}
			r.println(formatMessage(u.Message, r.reg.Username(), tag))
		case ev := <-events:
			switch ev.Kind {
			case room.EventJoined, room.EventSwitched, room.EventLeft:
				r.printStatus()
			}
		}
	}
}

func (r *repl) printStatus() {
	cur, ok := r.reg.Current()
	if !ok {
		r.println(systemStyle.Render("Not in any room. Use /room <name> or /join <invite>."))
		return
	}
	r.println(formatStatus(cur, r.reg.PeerCount(cur.Topic), r.reg.Username()))
}

func (r *repl) roomName(topic string) string {
	for _, d := range r.reg.Rooms() {
		if d.Topic == topic {
			return d.DisplayName()
		}
	}
	return room.ShortTopic(topic)
}

func (r *repl) println(s string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = fmt.Fprintln(r.out, s)
}

func (r *repl) printf(format string, args ...any) {
	r.println(fmt.Sprintf(format, args...))
}
