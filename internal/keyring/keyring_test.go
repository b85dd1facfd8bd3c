package keyring

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	kp, created, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate() = %v, want nil", err)
	}
	if !created {
		t.Fatal("created = false, want true on first call")
	}

	info, err := os.Stat(filepath.Join(dir, PrivateKeyFile))
	if err != nil {
		t.Fatalf("Stat(private key) = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 0600", perm)
	}

	// Second call loads the same key instead of generating a new one.
	again, created, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate() second call = %v, want nil", err)
	}
	if created {
		t.Error("created = true on second call, want false")
	}
	if kp.PublicHex() != again.PublicHex() {
		t.Error("public key changed between calls")
	}
}

func TestSignVerify(t *testing.T) {
	kp, _, err := LoadOrGenerate(filepath.Join(t.TempDir(), "keys"))
	if err != nil {
		t.Fatalf("LoadOrGenerate() = %v", err)
	}

	msg := []byte("PUT\n/files/TEST/export/data.json\nabc\n2024-01-01T00:00:00Z")
	sig := kp.Sign(msg)

	pub, err := ParsePublicHex(kp.PublicHex())
	if err != nil {
		t.Fatalf("ParsePublicHex() = %v", err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		t.Error("signature did not verify against exported public key")
	}
	if ed25519.Verify(pub, []byte("tampered"), sig) {
		t.Error("signature verified against different message")
	}
}

func TestLoadRejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte("zz-not-hex\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "decoding private key") {
		t.Errorf("Load() = %v, want decode error", err)
	}

	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte("abcd\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "want 32") {
		t.Errorf("Load() = %v, want seed length error", err)
	}
}

func TestParsePublicHex(t *testing.T) {
	if _, err := ParsePublicHex("abc"); err == nil {
		t.Error("ParsePublicHex(short) = nil, want error")
	}
	if _, err := ParsePublicHex(strings.Repeat("zz", 32)); err == nil {
		t.Error("ParsePublicHex(non-hex) = nil, want error")
	}
	if _, err := ParsePublicHex(strings.Repeat("ab", 32)); err != nil {
		t.Errorf("ParsePublicHex(valid) = %v, want nil", err)
	}
}
