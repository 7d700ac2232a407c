package manifest

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ManifestClaims carries a manifest inside an EdDSA-signed JWT.
type ManifestClaims struct {
	jwt.RegisteredClaims
	Manifest json.RawMessage `json:"manifest"`
}

const issuer = "esta-kernel/manifest"

// Sign produces a compact JWS over m. No time claims are set, so the token
// verifies identically on replay.
func Sign(m *Manifest, key ed25519.PrivateKey) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sign manifest: %w", err)
	}
	claims := ManifestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      string(m.ID()),
			Subject: m.Name,
			Issuer:  issuer,
		},
		Manifest: body,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(key)
}

// Verifier checks signed manifests against one publisher key.
type Verifier struct {
	key ed25519.PublicKey
	// Required rejects unsigned manifests when set.
	Required bool
}

// NewVerifier builds a verifier from a public key.
func NewVerifier(key ed25519.PublicKey, required bool) *Verifier {
	return &Verifier{key: key, Required: required}
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key: want %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Verify checks the signature and returns the embedded manifest after the
// usual validation.
func (v *Verifier) Verify(token string) (*Manifest, error) {
	claims := &ManifestClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("verify manifest: %w", err)
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	m, err := parseJSON(claims.Manifest)
	if err != nil {
		return nil, err
	}
	if string(m.ID()) != claims.ID {
		return nil, fmt.Errorf("verify manifest: token id %q does not match %q", claims.ID, m.ID())
	}
	return m, nil
}
