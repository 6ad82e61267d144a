package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier checks EventSub signatures against a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(req Request) bool {
	if v == nil {
		return false
	}
	return Verify(req, v.secret)
}

// Verify reports whether the signature header matches
// "sha256=" + hex(HMAC-SHA256(secret, id+timestamp+raw body)).
// Missing headers yield false.
func Verify(req Request, secret []byte) bool {
	id, ok := req.Header(HeaderMessageID)
	if !ok {
		return false
	}
	ts, ok := req.Header(HeaderMessageTimestamp)
	if !ok {
		return false
	}
	sig, ok := req.Header(HeaderMessageSignature)
	if !ok {
		return false
	}
	expected := Sign(secret, id, ts, req.RawBody)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Sign computes the signature header value for a message.
func Sign(secret []byte, id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
