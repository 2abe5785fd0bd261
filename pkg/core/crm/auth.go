package crm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Request headers carrying the signed credential set.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// SignedHeaders is a time-boxed credential set for the account/task API:
// the API key, a unix timestamp, and a hex HMAC-SHA256 signature over
// "key:timestamp" using the shared secret.
type SignedHeaders struct {
	APIKey    string
	Timestamp string
	Signature string
}

// Sign produces the credential set for the given instant.
func Sign(apiKey, secret string, now time.Time) SignedHeaders {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s", apiKey, ts)
	return SignedHeaders{
		APIKey:    apiKey,
		Timestamp: ts,
		Signature: hex.EncodeToString(mac.Sum(nil)),
	}
}

// Apply sets the credential headers on an outbound request.
func (h SignedHeaders) Apply(req *http.Request) {
	req.Header.Set(HeaderAPIKey, h.APIKey)
	req.Header.Set(HeaderTimestamp, h.Timestamp)
	req.Header.Set(HeaderSignature, h.Signature)
}
