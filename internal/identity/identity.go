// Package identity loads or creates the long-lived ed25519 key that names
// this peer on every transport.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

const FileName = "identity.key"

type Identity struct {
	priv crypto.PrivKey
}

// Generate creates a fresh, unsaved identity.
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 0, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// LoadOrCreate reads dir/identity.key, creating it on first run.
func LoadOrCreate(dir string) (*Identity, error) {
	path := filepath.Join(dir, FileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decode(strings.TrimSpace(string(data)))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	encoded, err := id.encode()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return id, nil
}

func decode(s string) (*Identity, error) {
	raw, err := crypto.ConfigDecodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	if priv.Type() != crypto.Ed25519 {
		return nil, fmt.Errorf("identity key is %s, want Ed25519", priv.Type())
	}
	return &Identity{priv: priv}, nil
}

func (id *Identity) encode() (string, error) {
	raw, err := crypto.MarshalPrivateKey(id.priv)
	if err != nil {
		return "", fmt.Errorf("encoding identity: %w", err)
	}
	return crypto.ConfigEncodeKey(raw), nil
}

// PrivKey is the libp2p form of the key.
func (id *Identity) PrivKey() crypto.PrivKey {
	return id.priv
}

// Ed25519 is the stdlib form of the key, used for QUIC certificates.
func (id *Identity) Ed25519() ed25519.PrivateKey {
	raw, err := id.priv.Raw()
	if err != nil {
		panic(fmt.Sprintf("ed25519 key without raw form: %v", err))
	}
	return ed25519.PrivateKey(raw)
}

func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.Ed25519().Public().(ed25519.PublicKey))
}

func (id *Identity) PeerID() (peer.ID, error) {
	return peer.IDFromPrivateKey(id.priv)
}
