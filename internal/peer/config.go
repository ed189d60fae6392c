package peer

import (
	"crypto/ed25519"
	"log/slog"
)

type Config struct {
	// Addr is the local UDP address for the tracker link; empty picks any.
	Addr        string
	TrackerAddr string
	Key         ed25519.PrivateKey
	STUNServers []string
	// IncludeLoopback lets peers on the same host reach each other.
	IncludeLoopback bool
	Logger          *slog.Logger
}
