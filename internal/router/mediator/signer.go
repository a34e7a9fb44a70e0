package mediator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// SignatureHeader carries the request signature.
	SignatureHeader = "X-FLOWCATALYST-SIGNATURE"

	// TimestampHeader carries the signing timestamp.
	TimestampHeader = "X-FLOWCATALYST-TIMESTAMP"
)

// Signer produces HMAC-SHA256 request signatures. The signature covers the
// timestamp concatenated with the payload, so the receiver can verify both
// integrity and freshness.
type Signer struct {
	secret string
}

// NewSigner creates a signer. An empty secret disables signing.
func NewSigner(secret string) *Signer {
	return &Signer{secret: secret}
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool { return s.secret != "" }

// Sign returns the timestamp and lower-hex signature for a payload.
func (s *Signer) Sign(payload []byte) (timestamp, signature string) {
	timestamp = time.Now().UTC().Truncate(time.Millisecond).Format("2006-01-02T15:04:05.000Z07:00")
	signature = s.compute(timestamp, payload)
	return timestamp, signature
}

// Verify checks a signature produced by Sign.
func (s *Signer) Verify(payload []byte, timestamp, signature string) bool {
	expected := s.compute(timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Signer) compute(timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
