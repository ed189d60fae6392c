package tracker

import (
	"crypto/ed25519"
	"database/sql"
	"log/slog"
)

type Config struct {
	Addr string
	// Key is the tracker's TLS identity. A fresh key is generated when nil.
	Key    ed25519.PrivateKey
	DB     *sql.DB
	Logger *slog.Logger
}
