package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreate_Persists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate reload failed: %v", err)
	}

	if !bytes.Equal(first.Ed25519(), second.Ed25519()) {
		t.Error("Expected the same key after reload")
	}

	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected 0600 key file, got %v", info.Mode().Perm())
	}
}

func TestIdentity_KeyForms(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(id.Ed25519()) != 64 {
		t.Errorf("Expected 64-byte ed25519 private key, got %d", len(id.Ed25519()))
	}
	if len(id.PublicKeyHex()) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(id.PublicKeyHex()))
	}

	pid, err := id.PeerID()
	if err != nil {
		t.Fatalf("PeerID failed: %v", err)
	}
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		t.Fatalf("ExtractPublicKey failed: %v", err)
	}
	raw, _ := pub.Raw()
	if !bytes.Equal(raw, id.Ed25519()[32:]) {
		t.Error("Peer ID does not embed the identity public key")
	}
}

func TestLoadOrCreate_Corrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("not a key"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := LoadOrCreate(dir); err == nil {
		t.Error("Expected error for corrupt identity file")
	}
}
