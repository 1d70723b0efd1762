// Anchor records and their wire encoding
// A record is JSON text, optionally ed25519-signed over its canonical encoding, sent as base64url
package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrewh/traceanchor/pkg/canon"
)

// Record is the tuple posted to the ledger for one anchored trace.
type Record struct {
	AgentID    string `json:"agent_id"`
	RunID      string `json:"run_id"`
	TraceID    string `json:"trace_id"`
	MerkleRoot string `json:"merkle_root"`
	PublicKey  string `json:"public_key,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// NewRecord builds the unsigned record for root.
func NewRecord(root []byte, traceID string, meta Metadata) Record {
	return Record{
		AgentID:    meta.AgentID,
		RunID:      meta.RunID,
		TraceID:    traceID,
		MerkleRoot: hex.EncodeToString(root),
	}
}

// SigningBytes is the canonical encoding of the unsigned fields.
func (r Record) SigningBytes() ([]byte, error) {
	return canon.Encode(map[string]any{
		"agent_id":    r.AgentID,
		"run_id":      r.RunID,
		"trace_id":    r.TraceID,
		"merkle_root": r.MerkleRoot,
	})
}

// Sign returns a copy of r carrying key's public key and a signature over SigningBytes.
func (r Record) Sign(key ed25519.PrivateKey) (Record, error) {
	if len(key) != ed25519.PrivateKeySize {
		return r, fmt.Errorf("signing record: invalid ed25519 key length %d", len(key))
	}
	msg, err := r.SigningBytes()
	if err != nil {
		return r, fmt.Errorf("signing record: %w", err)
	}
	pub, _ := key.Public().(ed25519.PublicKey)
	r.PublicKey = base64.RawURLEncoding.EncodeToString(pub)
	r.Signature = base64.RawURLEncoding.EncodeToString(ed25519.Sign(key, msg))
	return r, nil
}

// Verify checks the record's signature against its embedded public key.
func (r Record) Verify() error {
	if r.PublicKey == "" || r.Signature == "" {
		return errors.New("record is not signed")
	}
	pub, err := base64.RawURLEncoding.DecodeString(r.PublicKey)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(pub))
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	msg, err := r.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Encode renders the record as base64url (no padding) of its JSON text.
func (r Record) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeRecord reverses Encode.
func DecodeRecord(data string) (Record, error) {
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	return r, nil
}

// KeyFromSeed derives an ed25519 signing key from a hex-encoded 32-byte seed.
func KeyFromSeed(seedHex string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decoding signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
