package eventbus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Verifier checks the signature on a federated envelope.
type Verifier interface {
	Verify(env *Envelope) bool
}

// Signer attaches a signature to outbound federated envelopes.
type Signer interface {
	Sign(env *Envelope) error
}

// AllowAll accepts every envelope. Used when no federation secret is set.
type AllowAll struct{}

func (AllowAll) Verify(*Envelope) bool { return true }
func (AllowAll) Sign(*Envelope) error  { return nil }

// HMACSigner signs envelopes with HMAC-SHA256 over the canonical JSON of
// timestamp, source, event type, source peer and payload.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner returns a signer for the shared federation secret.
func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret)}
}

func (s *HMACSigner) digest(env *Envelope) ([]byte, error) {
	// Round-trip the payload to generic JSON values so struct fields and
	// decoded maps serialize with the same (sorted) key order.
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"timestamp":     env.Timestamp,
		"source_daemon": env.SourceDaemon,
		"event_type":    env.EventType,
		"source_peer":   env.SourcePeer,
		"payload":       payload,
	})
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return mac.Sum(nil), nil
}

// Sign sets env.Signature.
func (s *HMACSigner) Sign(env *Envelope) error {
	sum, err := s.digest(env)
	if err != nil {
		return err
	}
	env.Signature = hex.EncodeToString(sum)
	return nil
}

// Verify reports whether env carries a valid signature.
func (s *HMACSigner) Verify(env *Envelope) bool {
	if env == nil || env.Signature == "" {
		return false
	}
	want, err := s.digest(env)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
