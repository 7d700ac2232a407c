// Package entropy derives deterministic key material from the kernel boot
// seed. All randomness a module can observe flows through here.
package entropy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SeedSize is the length of a boot seed in bytes.
const SeedSize = 32

// Domain labels keep derived streams independent of each other.
const (
	LabelCapabilityKey = "esta-capability-mac"
	LabelSyscall       = "esta-syscall-seed"
	LabelRandom        = "esta-crypto-random"
)

// NewSeed draws a fresh boot seed from the host CSPRNG. This is the only
// place the kernel reads host randomness; the seed is logged so a run can
// be replayed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("entropy: read seed: %w", err)
	}
	return seed, nil
}

// ParseSeed decodes a hex boot seed.
func ParseSeed(s string) ([]byte, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("entropy: seed is not hex: %w", err)
	}
	if len(seed) < 16 {
		return nil, fmt.Errorf("entropy: seed too short (%d bytes)", len(seed))
	}
	return seed, nil
}

// Derive expands seed into n bytes bound to label and context.
func Derive(seed []byte, label, context string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, seed, []byte(label), []byte(context))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("entropy: derive %s: %w", label, err)
	}
	return out, nil
}
