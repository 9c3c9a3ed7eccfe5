package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "Stripe-Signature"
	HMACHeader      = "X-Signature"
	stripeScheme    = "stripe-v1"
	hmacScheme      = "hmac-sha256"
)

var errEmptySecret = errors.New("webhook secret is not configured")

// Verification is the outcome of checking an inbound webhook signature.
type Verification struct {
	Valid  bool
	Scheme string
	Reason string
}

// Verifier authenticates raw webhook bodies for one provider.
type Verifier interface {
	Provider() string
	Verify(headers http.Header, body []byte, receivedAt time.Time, secret string) (Verification, error)
}

// NewVerifier returns the verifier for provider: "stripe" (default) or "hmac".
func NewVerifier(provider string, toleranceSeconds int) (Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "stripe":
		return stripeVerifier{tolerance: toleranceSeconds}, nil
	case "hmac":
		return hmacVerifier{}, nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", provider)
}

// stripeVerifier checks "t=<unix>,v1=<hex>" headers signed over "<t>.<body>".
type stripeVerifier struct {
	tolerance int
}

func (stripeVerifier) Provider() string { return "stripe" }

func (v stripeVerifier) Verify(headers http.Header, body []byte, receivedAt time.Time, secret string) (Verification, error) {
	if strings.TrimSpace(secret) == "" {
		return Verification{}, errEmptySecret
	}
	res := Verification{Scheme: stripeScheme}
	timestamp, sigs := parseSignatureHeader(headers.Values(SignatureHeader))
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 || len(sigs) == 0 {
		res.Reason = "missing or malformed signature header"
		return res, nil
	}
	expected := computeSignature(secret, timestamp, body)
	matched := false
	for _, s := range sigs {
		decoded, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(expected, decoded) {
			matched = true
			break
		}
	}
	if !matched {
		res.Reason = "signature mismatch"
		return res, nil
	}
	skew := receivedAt.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if v.tolerance > 0 && skew > int64(v.tolerance) {
		res.Reason = "timestamp outside tolerance"
		return res, nil
	}
	res.Valid = true
	return res, nil
}

func parseSignatureHeader(values []string) (string, []string) {
	var t string
	var v1 []string
	for _, part := range strings.Split(strings.Join(values, ","), ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "t":
			if t == "" {
				t = strings.TrimSpace(val)
			}
		case "v1":
			if val = strings.TrimSpace(val); val != "" {
				v1 = append(v1, val)
			}
		}
	}
	return t, v1
}

func computeSignature(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureFor builds a header value a stripe verifier accepts. Used by tests
// and local tooling that replays provider events.
func SignatureFor(secret string, at time.Time, body []byte) string {
	t := strconv.FormatInt(at.Unix(), 10)
	return "t=" + t + ",v1=" + hex.EncodeToString(computeSignature(secret, t, body))
}

// hmacVerifier checks a bare hex HMAC-SHA256 of the body in X-Signature.
type hmacVerifier struct{}

func (hmacVerifier) Provider() string { return "hmac" }

func (hmacVerifier) Verify(headers http.Header, body []byte, _ time.Time, secret string) (Verification, error) {
	if strings.TrimSpace(secret) == "" {
		return Verification{}, errEmptySecret
	}
	res := Verification{Scheme: hmacScheme}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(headers.Get(HMACHeader)), "sha256="))
	if err != nil || len(provided) == 0 {
		res.Reason = "missing or malformed signature header"
		return res, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		res.Reason = "signature mismatch"
		return res, nil
	}
	res.Valid = true
	return res, nil
}
