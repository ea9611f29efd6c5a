package keystore

import (
	"os"
	"strings"
	"testing"

	"github.com/risefleet/rise/internal/protocol"
)

func TestEnsureGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	first, err := s.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !strings.HasPrefix(first, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key format: %q", first)
	}
	if !strings.HasSuffix(first, " "+keyComment) {
		t.Fatalf("missing comment: %q", first)
	}

	// A fresh store over the same dir must load the same key.
	again := New(dir)
	second, err := again.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey reload: %v", err)
	}
	if first != second {
		t.Fatal("keypair regenerated instead of loaded")
	}
}

func TestPrivateKeyPermissions(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	fi, err := os.Stat(s.privPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("private key mode %04o, want 0600", fi.Mode().Perm())
	}
}

func TestInsecureStorageRefused(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := os.Chmod(s.privPath(), 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	reload := New(dir)
	err := reload.Ensure()
	if !protocol.IsCode(err, protocol.CodeInsecureStorage) {
		t.Fatalf("expected InsecureStorage, got %v", err)
	}
}

func TestKeyID(t *testing.T) {
	s := New(t.TempDir())
	id, err := s.KeyID()
	if err != nil {
		t.Fatalf("KeyID: %v", err)
	}
	if !strings.HasPrefix(id, "SHA256:") {
		t.Fatalf("KeyID not canonical: %q", id)
	}
}

func TestClearAndRegenerate(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	first, err := s.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	second, err := s.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey after Clear: %v", err)
	}
	if first == second {
		t.Fatal("Clear did not discard the keypair")
	}
}

func TestSameKey(t *testing.T) {
	s := New(t.TempDir())
	line, err := s.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	fields := strings.Fields(line)
	relabeled := fields[0] + " " + fields[1] + " laptop@home"

	if !SameKey(line, relabeled) {
		t.Fatal("comment difference must not defeat the identity check")
	}
	if SameKey(line, "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA other") {
		t.Fatal("different key bodies must not match")
	}
	if SameKey("garbage", "garbage") {
		t.Fatal("unparseable lines must not match")
	}
}
