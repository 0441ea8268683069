package ircsession

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// TokenSigner produces the bearer token attached to request packets.
type TokenSigner interface {
	SignPacket(ctx context.Context, p *MessagePacket) (string, error)
}

// SignPacket fills p.Token using signer.
//
// Requirements:
//   - p must carry an id and a valid type
//   - signer must not be nil
//
// The token covers the msgpack encoding of the packet with Token cleared,
// so the receiver can verify it by repeating the same steps.
func SignPacket(ctx context.Context, signer TokenSigner, p *MessagePacket) error {
	if signer == nil {
		return fmt.Errorf("cannot sign packet: no signer")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("cannot sign packet: %w", err)
	}
	p.Token = ""
	token, err := signer.SignPacket(ctx, p)
	if err != nil {
		return fmt.Errorf("sign packet %s: %w", p.ID, err)
	}
	if token == "" {
		return fmt.Errorf("sign packet %s: signer returned empty token", p.ID)
	}
	p.Token = token
	return nil
}

// signingBytes returns the bytes a token covers.
func signingBytes(p *MessagePacket) ([]byte, error) {
	cp := *p
	cp.Token = ""
	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal for signing: %w", err)
	}
	return data, nil
}

// Ed25519Signer signs packets with a device key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key length: expected %d, got %d",
			ed25519.PrivateKeySize, len(key))
	}
	return &Ed25519Signer{key: key}, nil
}

// GenerateEd25519Signer creates a signer with a fresh key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{key: priv}, nil
}

// PublicKey returns the verification key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// SignPacket implements TokenSigner.
func (s *Ed25519Signer) SignPacket(_ context.Context, p *MessagePacket) (string, error) {
	data, err := signingBytes(p)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.key, data)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyPacket checks p.Token against pub.
func VerifyPacket(p *MessagePacket, pub ed25519.PublicKey) error {
	if p.Token == "" {
		return fmt.Errorf("verify packet %s: no token", p.ID)
	}
	sig, err := base64.RawURLEncoding.DecodeString(p.Token)
	if err != nil {
		return fmt.Errorf("verify packet %s: decode token: %w", p.ID, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("verify packet %s: invalid signature length %d", p.ID, len(sig))
	}
	data, err := signingBytes(p)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("verify packet %s: signature mismatch", p.ID)
	}
	return nil
}
