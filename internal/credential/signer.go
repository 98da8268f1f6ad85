// Package credential mints and verifies the signed, rotating entitlement
// credentials presented at the door.
//
// A credential is base64url(CBOR[claims, mac]). The MAC is a keyed BLAKE3
// hash of the claim bytes under a key derived from the server secret and the
// entitlement id, so a credential can be authenticated before the entitlement
// is looked up.
package credential

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const keyContext = "turnstile 2026-01 entitlement credential mac key"

var (
	ErrMalformed = errors.New("credential malformed")
	ErrSignature = errors.New("credential signature invalid")
	ErrStale     = errors.New("credential stale")
	ErrSecret    = errors.New("credential secret must be at least 32 bytes")
)

type Signer struct {
	secret   []byte
	rotation time.Duration
	skew     int64
}

// NewSigner returns a Signer. A zero rotation mints static credentials that
// never go stale by time; skew is the number of rotation windows either side
// of the current one still accepted.
func NewSigner(secret []byte, rotation time.Duration, skew int) (*Signer, error) {
	const op = "credential.NewSigner"

	if len(secret) < 32 {
		return nil, fmt.Errorf("%s: %w", op, ErrSecret)
	}
	if skew < 0 {
		skew = 0
	}

	return &Signer{
		secret:   append([]byte(nil), secret...),
		rotation: rotation,
		skew:     int64(skew),
	}, nil
}

func (s *Signer) window(now time.Time) int64 {
	if s.rotation <= 0 {
		return 0
	}
	return now.UnixNano() / int64(s.rotation)
}

// Rotation returns the rotation period, zero for static credentials.
func (s *Signer) Rotation() time.Duration { return s.rotation }

// ValidUntil reports when a credential minted at now leaves its window.
func (s *Signer) ValidUntil(now time.Time) time.Time {
	if s.rotation <= 0 {
		return time.Time{}
	}
	return time.Unix(0, (s.window(now)+1)*int64(s.rotation)).UTC()
}

func (s *Signer) key(id []byte) []byte {
	material := make([]byte, 0, len(s.secret)+len(id))
	material = append(material, s.secret...)
	material = append(material, id...)

	key := make([]byte, 32)
	blake3.DeriveKey(keyContext, material, key)
	return key
}

func (s *Signer) mac(id, claims []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(s.key(id))
	if err != nil {
		return nil, err
	}
	h.Write(claims)
	return h.Sum(nil), nil
}

// Mint returns the credential for entitlement id at the given ownership
// generation, bound to the rotation window containing now.
func (s *Signer) Mint(id uuid.UUID, generation uint32, now time.Time) (string, error) {
	const op = "credential.Signer.Mint"

	claims, err := marshal(Claims{
		EntitlementID: id[:],
		Generation:    generation,
		Window:        s.window(now),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	mac, err := s.mac(id[:], claims)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	raw, err := marshal(envelope{Claims: claims, MAC: mac})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verified is the outcome of a successful Verify.
type Verified struct {
	EntitlementID uuid.UUID
	Generation    uint32
	Window        int64
}

// Verify authenticates token at now.
//
// Returns:
//   - error: ErrMalformed if the token does not parse.
//   - error: ErrSignature if the MAC does not match.
//   - error: ErrStale if the rotation window is outside the accepted skew.
func (s *Signer) Verify(token string, now time.Time) (Verified, error) {
	const op = "credential.Signer.Verify"

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) == 0 {
		return Verified{}, fmt.Errorf("%s: %w", op, ErrMalformed)
	}

	var env envelope
	if err := unmarshal(raw, &env); err != nil {
		return Verified{}, fmt.Errorf("%s: %w", op, ErrMalformed)
	}

	var c Claims
	if err := unmarshal(env.Claims, &c); err != nil {
		return Verified{}, fmt.Errorf("%s: %w", op, ErrMalformed)
	}

	id, err := uuid.FromBytes(c.EntitlementID)
	if err != nil {
		return Verified{}, fmt.Errorf("%s: %w", op, ErrMalformed)
	}

	want, err := s.mac(c.EntitlementID, env.Claims)
	if err != nil {
		return Verified{}, fmt.Errorf("%s: %w", op, err)
	}
	if subtle.ConstantTimeCompare(want, env.MAC) != 1 {
		return Verified{}, fmt.Errorf("%s: %w", op, ErrSignature)
	}

	out := Verified{EntitlementID: id, Generation: c.Generation, Window: c.Window}

	if s.rotation > 0 {
		d := s.window(now) - c.Window
		if d < -s.skew || d > s.skew {
			return out, fmt.Errorf("%s: %w", op, ErrStale)
		}
	}

	return out, nil
}

// Hash returns a short, stable fingerprint of token for the scan ledger.
func Hash(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}
