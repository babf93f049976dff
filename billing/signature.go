package billing

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	signatureHeader = "Stripe-Signature"
	timestampHeader = "Stripe-Timestamp"
)

// SignatureVerifier checks Stripe webhook signatures: HMAC-SHA256 over
// "<timestamp>.<body>" keyed with the endpoint secret.
type SignatureVerifier struct {
	secret string
}

func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: secret}
}

// Verify returns the signed timestamp when one of the v1 signatures in
// sigHeader matches. timestampHeader wins over the t= entry when set.
func (v *SignatureVerifier) Verify(body []byte, sigHeader, tsHeader string) (time.Time, error) {
	if sigHeader == "" {
		return time.Time{}, ErrMissingSignature
	}

	ts := strings.TrimSpace(tsHeader)
	var signatures [][]byte
	for _, part := range strings.Split(sigHeader, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			if ts == "" {
				ts = value
			}
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if len(signatures) == 0 {
		return time.Time{}, fmt.Errorf("%w: no v1 signature", ErrMissingSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, ts)
	}
	signedAt := time.Unix(unix, 0)

	expected := webhook.ComputeSignature(signedAt, body, v.secret)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return signedAt, nil
		}
	}
	return time.Time{}, ErrSignatureMismatch
}
