// Package keyring manages the agent's ed25519 keypair. The private seed
// never leaves the machine; registration sends only the public half to the
// controller, which then verifies signed file transfers against it.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// PrivateKeyFile holds the hex-encoded ed25519 seed, owner-only.
	PrivateKeyFile = "agent.key"
	// PublicKeyFile holds the hex-encoded public key.
	PublicKeyFile = "agent.pub"
)

// Keypair is a loaded agent signing key.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Dir returns the key directory beneath a project state directory.
func Dir(projectDir string) string {
	return filepath.Join(projectDir, "keys")
}

// LoadOrGenerate reads the keypair from dir, creating a fresh one when no
// key exists yet. The second return value reports whether a new key was
// generated, so callers can require re-registration.
func LoadOrGenerate(dir string) (*Keypair, bool, error) {
	kp, err := Load(dir)
	if err != nil {
		return nil, false, err
	}
	if kp != nil {
		return kp, false, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generating keypair: %w", err)
	}
	kp = &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, false, fmt.Errorf("creating key directory: %w", err)
	}
	seedHex := hex.EncodeToString(priv.Seed()) + "\n"
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte(seedHex), 0600); err != nil {
		return nil, false, fmt.Errorf("writing private key: %w", err)
	}
	pubHex := kp.PublicHex() + "\n"
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(pubHex), 0644); err != nil { // #nosec G306 - public half
		return nil, false, fmt.Errorf("writing public key: %w", err)
	}
	return kp, true, nil
}

// Load reads an existing keypair. A missing key file returns (nil, nil).
func Load(dir string) (*Keypair, error) {
	data, err := os.ReadFile(filepath.Join(dir, PrivateKeyFile)) // #nosec G304 - controlled path from config
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicHex returns the hex encoding of the public key, the form sent to
// the controller during registration.
func (k *Keypair) PublicHex() string {
	return hex.EncodeToString(k.pub)
}

// Public returns the raw public key.
func (k *Keypair) Public() ed25519.PublicKey {
	return k.pub
}

// Sign signs a message with the private key.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// ParsePublicHex decodes and validates a hex public key received from a
// registration request.
func ParsePublicHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
