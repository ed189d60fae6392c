package transfer

import (
	"math"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusAccepted     Status = "accepted"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// canTransition reports whether from → to is a legal move. Terminal states
// accept nothing; cancelled and error are reachable from any live state.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled, StatusError:
		return true
	case StatusAccepted:
		return from == StatusPending
	case StatusTransferring:
		return from == StatusAccepted
	case StatusCompleted:
		return from == StatusTransferring
	default:
		return false
	}
}

type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// PeerRef names the remote side of a transfer. ConnID is the local
// correlation token of the connection; Name is for display.
type PeerRef struct {
	ConnID string
	Key    string
	Name   string
}

type Record struct {
	ID             string
	Topic          string
	Direction      Direction
	Filename       string
	FileSize       int64
	ChunkSize      int64
	TotalChunks    int
	Status         Status
	SentChunks     int
	ReceivedChunks int
	Peer           PeerRef
	FilePath       string
	Err            string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r Record) Terminal() bool {
	return r.Status.Terminal()
}

// Done is the number of chunks acknowledged for uploads, or written for
// downloads.
func (r Record) Done() int {
	if r.Direction == Upload {
		return r.SentChunks
	}
	return r.ReceivedChunks
}

func (r Record) Progress() int {
	return Progress(r.Done(), r.TotalChunks)
}

// Progress returns round(100*done/total) clamped to [0, 100].
func Progress(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(done) / float64(total)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// PendingOffer is an offer received and not yet accepted.
type PendingOffer struct {
	TransferID string
	Topic      string
	Origin     PeerRef
	Filename   string
	FileSize   int64
	ChunkSize  int64
	Timestamp  time.Time
}

type EventKind int

const (
	EventOffered EventKind = iota
	EventOfferWithdrawn
	EventUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventOffered:
		return "offered"
	case EventOfferWithdrawn:
		return "offer-withdrawn"
	case EventUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Event reports a new or withdrawn offer, or a record change. Offer is set
// for offer events and Record for updates.
type Event struct {
	Kind   EventKind
	Offer  PendingOffer
	Record Record
}
