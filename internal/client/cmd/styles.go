package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/rudransh-shrivastava/peer-chat/internal/chat"
	"github.com/rudransh-shrivastava/peer-chat/internal/room"
	"github.com/rudransh-shrivastava/peer-chat/internal/transfer"
)

var (
	accent  = lipgloss.Color("#22d3ee")
	violet  = lipgloss.Color("#7C3AED")
	success = lipgloss.Color("#10B981")
	danger  = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(muted)
	selfStyle   = lipgloss.NewStyle().Foreground(success).Bold(true)
	userStyle   = lipgloss.NewStyle().Foreground(accent).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(muted).Italic(true)
	roomStyle   = lipgloss.NewStyle().Foreground(violet)
	errorStyle  = lipgloss.NewStyle().Foreground(danger).Bold(true)
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9FAFB")).
			Background(lipgloss.Color("#1F2937")).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
)

// formatMessage renders one log line. tag names the room when the message
// is not from the current one.
func formatMessage(m chat.Message, self, tag string) string {
	var b strings.Builder
	if tag != "" {
		b.WriteString(roomStyle.Render("[" + tag + "]"))
		b.WriteByte(' ')
	}
	b.WriteString(timeStyle.Render(m.Timestamp.Format("15:04")))
	b.WriteByte(' ')

	if m.System {
		b.WriteString(systemStyle.Render("* " + m.Text))
		return b.String()
	}

	name := userStyle
	if m.Username == self {
		name = selfStyle
	}
	b.WriteString(name.Render(m.Username))
	b.WriteString(": ")
	b.WriteString(m.Text)
	return b.String()
}

func formatStatus(d room.Descriptor, peers int, username string) string {
	return statusStyle.Render(fmt.Sprintf("%s | %s | %d peer(s) | %s",
		d.DisplayName(), room.ShortTopic(d.Topic), peers, username))
}

func formatError(err error) string {
	return errorStyle.Render("! " + err.Error())
}

func formatOffer(o transfer.PendingOffer) string {
	return fmt.Sprintf("%s  %s  %s  from %s, %s",
		shortID(o.TransferID),
		o.Filename,
		humanize.Bytes(uint64(o.FileSize)),
		o.Origin.Name,
		humanize.Time(o.Timestamp))
}

func formatRecord(r transfer.Record, bar string) string {
	arrow := "↑"
	if r.Direction == transfer.Download {
		arrow = "↓"
	}
	line := fmt.Sprintf("%s %s  %-24s %8s  %-12s %s",
		arrow,
		shortID(r.ID),
		r.Filename,
		humanize.Bytes(uint64(r.FileSize)),
		r.Status,
		r.Peer.Name)
	if bar != "" {
		line += "\n    " + bar
	}
	if r.Err != "" {
		line += "  " + errorStyle.Render(r.Err)
	}
	return line
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
