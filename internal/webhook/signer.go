package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	HeaderEvent            = "X-Lanepool-Event"
	HeaderDelivery         = "X-Lanepool-Delivery"
	HeaderTimestamp        = "X-Lanepool-Timestamp"
	DefaultSignatureHeader = "X-Lanepool-Signature"
)

// Sign returns "sha256=<hex>" over timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

func unixTimestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
