package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Headers carried by every delivery.
const (
	HeaderTimestamp = "x-webhook-timestamp"
	HeaderNonce     = "x-webhook-nonce"
	HeaderSignature = "x-webhook-signature"
)

// SignPayload returns lowercase hex of HMAC-SHA256 over
// "{timestamp}.{nonce}.{payload}" keyed with the publisher secret.
func SignPayload(secret, timestamp, nonce string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a provided hex signature in constant time.
func VerifySignature(secret, timestamp, nonce string, payload []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(SignPayload(secret, timestamp, nonce, payload))
	return hmac.Equal(expected, b)
}
