package compliance

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/dawsos-labs/dawsos/core/pkg/canonical"
)

// Signing keys are derived, never stored: the deployment secret runs through
// HKDF-SHA256 and the derived seed becomes the ed25519 key. Rotating the
// secret rotates the key.
const (
	signSalt = "dawsos-report-kdf"
	signInfo = "compliance-report-v1"
)

// ErrBadSignature rejects a tampered or mis-keyed signed report.
var ErrBadSignature = errors.New("compliance: report signature invalid")

// Signer signs compliance reports for export.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner derives the report signing key from a deployment secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("compliance: signing secret too short (%d bytes)", len(secret))
	}
	r := hkdf.New(sha256.New, secret, []byte(signSalt), []byte(signInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("compliance: derive signing seed: %w", err)
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// SignedReport pairs a report with its detached signature. The signature
// covers the canonical JSON of the report, so any re-serialization verifies.
type SignedReport struct {
	Report    Report `json:"report"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Sign produces a signed report.
func (s *Signer) Sign(r Report) (*SignedReport, error) {
	msg, err := canonical.JCS(r)
	if err != nil {
		return nil, fmt.Errorf("compliance: canonicalize report: %w", err)
	}
	return &SignedReport{
		Report:    r,
		Algorithm: "ed25519",
		PublicKey: base64.StdEncoding.EncodeToString(s.PublicKey()),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, msg)),
	}, nil
}

// VerifyReport checks a signed report against its embedded public key.
func VerifyReport(sr *SignedReport) error {
	if sr.Algorithm != "ed25519" {
		return fmt.Errorf("compliance: unsupported algorithm %q", sr.Algorithm)
	}
	pub, err := base64.StdEncoding.DecodeString(sr.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key", ErrBadSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(sr.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadSignature)
	}
	msg, err := canonical.JCS(sr.Report)
	if err != nil {
		return fmt.Errorf("compliance: canonicalize report: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// Sink is where exported reports land; the archive store satisfies it.
type Sink interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// ExportReport signs and archives a report, returning the content digest the
// sink assigned.
func ExportReport(ctx context.Context, sink Sink, signer *Signer, r Report) (string, error) {
	sr, err := signer.Sign(r)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(sr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("compliance: marshal signed report: %w", err)
	}
	return sink.Put(ctx, data)
}
