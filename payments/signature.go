package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lotline-io/openlot/fault"
)

// Webhook signatures: the processor signs `<unix-ts>.<body>` with HMAC-SHA256
// and sends `t=<unix-ts>,v1=<hex>` in the signature header. The embedded
// timestamp bounds replay: events older than the tolerance window are
// rejected outright even with a valid signature.

// SignPayload produces the signature header value for a payload at ts.
func SignPayload(payload []byte, secret string, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), signatureHex(payload, secret, ts.Unix()))
}

// VerifySignature checks header authenticity and recency against now.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance {
		return fault.Validation("webhook_stale", "event timestamp is %s old, tolerance is %s", age.Truncate(time.Second), tolerance)
	}

	expected := signatureHex(payload, secret, ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fault.Validation("webhook_signature", "signature mismatch")
	}
	return nil
}

func signatureHex(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fault.Validation("webhook_signature", "malformed timestamp in signature header")
			}
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fault.Validation("webhook_signature", "signature header missing t or v1")
	}
	return ts, sig, nil
}
