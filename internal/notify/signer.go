// Package notify delivers task results back to the bot service over
// signed internal HTTP callbacks.
package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signature headers on internal callbacks.
const (
	HeaderKeyID     = "X-Key-Id"
	HeaderTimestamp = "X-TS"
	HeaderSignature = "X-Sig"
)

// MaxClockSkew bounds how old (or future-dated) a signed request may be.
const MaxClockSkew = 300 * time.Second

// Signer produces and verifies the internal HMAC request signatures.
// The signed string is "<unix_ts>.<raw_body>".
type Signer struct {
	keyID  string
	secret []byte
}

// NewSigner builds a signer for the given key pair.
func NewSigner(keyID, secret string) *Signer {
	return &Signer{keyID: keyID, secret: []byte(secret)}
}

func (s *Signer) sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign stamps the signature headers onto an outgoing request.
func (s *Signer) Sign(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderKeyID, s.keyID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, s.sign(ts, body))
}

// Verify checks the signature headers of an incoming request body.
func (s *Signer) Verify(header http.Header, body []byte) error {
	if header.Get(HeaderKeyID) != s.keyID {
		return fmt.Errorf("unknown key id %q", header.Get(HeaderKeyID))
	}
	ts := header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %q", ts)
	}
	skew := time.Since(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("timestamp outside allowed skew (%s)", skew)
	}

	expected := s.sign(ts, body)
	if !hmac.Equal([]byte(expected), []byte(header.Get(HeaderSignature))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
