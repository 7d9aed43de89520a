// Package anonymization derives opaque participant identifiers, generalizes
// demographics into coarse buckets, scrubs identifying text, and verifies
// k-anonymity of exported record sets.
package anonymization

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

const (
	saltLength = 32
	idLength   = 16
	saltChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

type Engine struct {
	salt     string
	scrubber *Scrubber
	policy   DemographicPolicy
}

type Option func(*Engine)

// WithSalt pins the hashing salt. Deployments that persist participants across
// restarts need a stable salt, otherwise re-enrollment checks cannot match.
func WithSalt(salt string) Option {
	return func(e *Engine) {
		if salt != "" {
			e.salt = salt
		}
	}
}

func WithScrubber(s *Scrubber) Option {
	return func(e *Engine) {
		if s != nil {
			e.scrubber = s
		}
	}
}

func WithPolicy(p DemographicPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

func NewEngine(opts ...Option) (*Engine, error) {
	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	scrubber, err := NewScrubber(DefaultRules())
	if err != nil {
		return nil, err
	}
	e := &Engine{salt: salt, scrubber: scrubber, policy: DefaultPolicy()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// HashIdentifier is deterministic for one engine and not invertible. The digest
// is truncated, so distinct inputs may collide with small probability.
func (e *Engine) HashIdentifier(rawID string) string {
	sum := sha256.Sum256([]byte(rawID + e.salt))
	return hex.EncodeToString(sum[:])[:idLength]
}

func (e *Engine) ScrubText(text string) string {
	scrubbed, _ := e.scrubber.Scrub(text)
	return scrubbed
}

func generateSalt() (string, error) {
	out := make([]byte, saltLength)
	max := big.NewInt(int64(len(saltChars)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = saltChars[n.Int64()]
	}
	return string(out), nil
}
