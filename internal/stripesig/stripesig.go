// Package stripesig verifies payment-provider webhook signatures.
//
// The header has the form "t=<unix>,v1=<hex hmac>[,v1=...]" where each v1 is
// HMAC-SHA256 over "<t>.<body>" with the endpoint's shared secret. Multiple
// v1 entries appear while a secret rotation is in progress; verification
// accepts any match.
package stripesig

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the accepted clock skew between the signed timestamp
// and receipt. Matches the provider SDK default.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidHeader means the signature header is missing or unparseable.
	ErrInvalidHeader = errors.New("invalid signature header")
	// ErrNoMatch means no signature in the header matches the payload.
	ErrNoMatch = errors.New("signature mismatch")
	// ErrTooOld means the signed timestamp is outside the tolerance window,
	// which defeats replay of a captured delivery.
	ErrTooOld = errors.New("signed timestamp outside tolerance")
)

// Verify checks header against the raw request body and shared secret.
// Any returned error must be treated as an authentication failure and
// rejected before the payload reaches the dispatcher.
func Verify(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return fmt.Errorf("empty header: %w", ErrInvalidHeader)
	}

	var timestamp int64
	var signatures [][]byte

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("malformed element %q: %w", part, ErrInvalidHeader)
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("malformed timestamp: %w", ErrInvalidHeader)
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				return fmt.Errorf("malformed signature: %w", ErrInvalidHeader)
			}
			signatures = append(signatures, sig)
		default:
			// Unknown schemes (v0 test-mode signatures) are ignored.
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return fmt.Errorf("missing t or v1 element: %w", ErrInvalidHeader)
	}

	signedAt := time.Unix(timestamp, 0)
	age := now.Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return fmt.Errorf("signed at %s: %w", signedAt.UTC().Format(time.RFC3339), ErrTooOld)
	}

	expected := ComputeSignature(body, secret, timestamp)
	for _, sig := range signatures {
		if subtle.ConstantTimeCompare(sig, expected) == 1 {
			return nil
		}
	}
	return ErrNoMatch
}

// ComputeSignature returns the HMAC-SHA256 of "<timestamp>.<body>".
func ComputeSignature(body []byte, secret string, timestamp int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return mac.Sum(nil)
}
