package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rudransh-shrivastava/peer-chat/internal/invite"
	"github.com/rudransh-shrivastava/peer-chat/internal/room"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
)

const historyLimit = 20

var helpLines = []struct{ usage, text string }{
	{"/help", "Show commands"},
	{"/nick <name>", "Change your username"},
	{"/share <path>", "Offer a file to the current room"},
	{"/accept [id]", "Download a pending file (id prefix is enough); no id lists offers"},
	{"/peers", "List peers in the current room"},
	{"/transfers", "Show transfers and their progress"},
	{"/history", "Show recent transfers from earlier sessions"},
	{"/topic", "Show the current room topic"},
	{"/clear", "Clear the current room's messages"},
	{"/invite", "Print an invite code for the current room"},
	{"/join <invite>", "Join a room from an invite code"},
	{"/room <name>", "Create a new room"},
	{"/rooms", "List joined and saved rooms"},
	{"/switch <n>", "Switch to room n from /rooms"},
	{"/leave", "Leave the current room"},
	{"/exit, /quit", "Leave all rooms and exit"},
}

var errNotInRoom = errors.New("you're not in a room yet")

func (r *repl) cmdHelp(_ context.Context, _ string) error {
	r.println(headerStyle.Render("Available commands:"))
	for _, l := range helpLines {
		r.printf("  %-16s %s", l.usage, l.text)
	}
	return nil
}

func (r *repl) cmdNick(_ context.Context, args string) error {
	if args == "" {
		r.printf("Your username is %s", r.reg.Username())
		return nil
	}
	return r.reg.SetUsername(args)
}

func (r *repl) cmdShare(ctx context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /share <path>")
	}
	_, err := r.reg.ShareFile(ctx, expandHome(args))
	if errors.Is(err, room.ErrNoRoom) {
		return errNotInRoom
	}
	// other failures are already in the room log
	return nil
}

func (r *repl) cmdAccept(ctx context.Context, args string) error {
	if args == "" {
		offers := r.reg.PendingOffers()
		if len(offers) == 0 {
			r.println("No pending transfers")
			return nil
		}
		r.println(headerStyle.Render("Pending transfers:"))
		for _, o := range offers {
			r.println("  " + formatOffer(o))
		}
		return nil
	}

	_, err := r.reg.AcceptTransfer(ctx, args)
	var ambiguous *transfer.AmbiguousPrefixError
	if errors.As(err, &ambiguous) {
		r.println("Matching transfers:")
		for _, o := range ambiguous.Candidates {
			r.println("  " + formatOffer(o))
		}
	}
	return nil
}

func (r *repl) cmdPeers(_ context.Context, _ string) error {
	cur, ok := r.reg.Current()
	if !ok {
		return errNotInRoom
	}
	peers := r.reg.Peers(cur.Topic)
	if len(peers) == 0 {
		r.println("No peers connected in this room")
		return nil
	}
	r.println(headerStyle.Render(fmt.Sprintf("Peers in %s (%d):", cur.DisplayName(), len(peers))))
	for _, p := range peers {
		r.printf("  %s  %s", p.Name, shortID(p.Key))
	}
	return nil
}

func (r *repl) cmdTransfers(_ context.Context, _ string) error {
	records := r.reg.Transfers()
	offers := r.reg.PendingOffers()
	if len(records) == 0 && len(offers) == 0 {
		r.println("No transfers")
		return nil
	}

	if len(records) > 0 {
		r.println(headerStyle.Render("Transfers:"))
		for _, rec := range records {
			bar := ""
			if rec.Status == transfer.StatusTransferring || rec.Status == transfer.StatusAccepted {
				bar = renderBar(rec)
			}
			r.println("  " + formatRecord(rec, bar))
		}
	}
	if len(offers) > 0 {
		r.println(headerStyle.Render("Pending offers:"))
		for _, o := range offers {
			r.println("  " + formatOffer(o))
		}
	}
	return nil
}

func (r *repl) cmdHistory(ctx context.Context, _ string) error {
	if r.history == nil {
		return errors.New("transfer history is not available")
	}
	records, err := r.history.ListTransfers(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		r.println("No transfer history")
		return nil
	}
	r.println(headerStyle.Render("Recent transfers:"))
	for _, rec := range records {
		r.printf("  %s  %s", formatRecord(rec, ""), timeStyle.Render(formatAge(rec.UpdatedAt)))
	}
	return nil
}

func (r *repl) cmdTopic(_ context.Context, _ string) error {
	cur, ok := r.reg.Current()
	if !ok {
		return errNotInRoom
	}
	r.printf("Room: %s", cur.DisplayName())
	r.printf("Topic: %s", cur.Topic)
	return nil
}

func (r *repl) cmdClear(_ context.Context, _ string) error {
	if err := r.reg.ClearMessages(); err != nil {
		if errors.Is(err, room.ErrNoRoom) {
			return errNotInRoom
		}
		return err
	}
	return nil
}

func (r *repl) cmdInvite(_ context.Context, _ string) error {
	cur, ok := r.reg.Current()
	if !ok {
		return errNotInRoom
	}
	code, err := invite.Encode(cur)
	if err != nil {
		return err
	}
	r.printf("Invite code for %s:", cur.DisplayName())
	r.println(code)
	return nil
}

func (r *repl) cmdJoin(ctx context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /join <invite>")
	}
	d, err := invite.Decode(args)
	if err != nil {
		return err
	}
	return r.join(ctx, d)
}

func (r *repl) cmdRoom(ctx context.Context, args string) error {
	if args == "" {
		return errors.New("usage: /room <name>")
	}
	_, err := r.reg.CreateRoom(ctx, args, "")
	return r.joinError(err)
}

// roomList is the numbering /rooms prints and /switch takes: joined rooms
// first, then saved rooms not currently joined.
func (r *repl) roomList(ctx context.Context) (joined, saved []room.Descriptor) {
	joined = r.reg.Rooms()
	if r.rooms == nil {
		return joined, nil
	}

	all, err := r.rooms.ListRooms(ctx)
	if err != nil {
		r.logger.Warn("Failed to list saved rooms", "error", err)
		return joined, nil
	}
	seen := make(map[string]bool, len(joined))
	for _, d := range joined {
		seen[d.Topic] = true
	}
	for _, d := range all {
		if !seen[d.Topic] {
			saved = append(saved, d)
		}
	}
	return joined, saved
}

func (r *repl) cmdRooms(ctx context.Context, _ string) error {
	joined, saved := r.roomList(ctx)
	if len(joined) == 0 && len(saved) == 0 {
		r.println("No rooms yet. Use /room <name> or /join <invite>.")
		return nil
	}

	cur, _ := r.reg.Current()
	n := 1
	if len(joined) > 0 {
		r.println(headerStyle.Render("Joined rooms:"))
		for _, d := range joined {
			marker := " "
			if d.Topic == cur.Topic {
				marker = "*"
			}
			r.printf(" %s%d. %s (%s) %d peer(s)", marker, n, d.DisplayName(), room.ShortTopic(d.Topic), r.reg.PeerCount(d.Topic))
			n++
		}
	}
	if len(saved) > 0 {
		r.println(headerStyle.Render("Saved rooms:"))
		for _, d := range saved {
			r.printf("  %d. %s (%s)", n, d.DisplayName(), room.ShortTopic(d.Topic))
			n++
		}
	}
	return nil
}

func (r *repl) cmdSwitch(ctx context.Context, args string) error {
	n, err := strconv.Atoi(args)
	if err != nil {
		return errors.New("usage: /switch <n>")
	}
	joined, saved := r.roomList(ctx)
	all := append(joined, saved...)
	if n < 1 || n > len(all) {
		return fmt.Errorf("no room %d (see /rooms)", n)
	}
	return r.join(ctx, all[n-1])
}

func (r *repl) cmdLeave(ctx context.Context, _ string) error {
	cur, ok := r.reg.Current()
	if !ok {
		return errNotInRoom
	}
	return r.reg.LeaveRoom(ctx, cur.Topic)
}

func (r *repl) cmdExit(_ context.Context, _ string) error {
	return errExit
}

func (r *repl) join(ctx context.Context, d room.Descriptor) error {
	return r.joinError(r.reg.JoinRoom(ctx, d))
}

// joinError hides failures the room log already reported. With no room to
// report into, the error is returned.
func (r *repl) joinError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := r.reg.Current(); ok {
		return nil
	}
	return err
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
