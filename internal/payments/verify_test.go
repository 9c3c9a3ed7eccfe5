package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestStripeVerifier(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_123","type":"payment_intent.succeeded"}`)
	at := time.Unix(1_700_000_000, 0)
	v, err := NewVerifier("stripe", 300)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		header   string
		received time.Time
		valid    bool
	}{
		{"valid", SignatureFor(secret, at, body), at.Add(2 * time.Second), true},
		{"extra signatures", "t=1700000000,v1=deadbeef," + SignatureFor(secret, at, body)[len("t=1700000000,"):], at, true},
		{"wrong secret", SignatureFor("other", at, body), at, false},
		{"garbage signature", "t=1700000000,v1=zz", at, false},
		{"missing header", "", at, false},
		{"no timestamp", "v1=" + hex.EncodeToString([]byte("x")), at, false},
		{"outside tolerance", SignatureFor(secret, at, body), at.Add(301 * time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != "" {
				h.Set(SignatureHeader, tc.header)
			}
			got, err := v.Verify(h, body, tc.received, secret)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if got.Valid != tc.valid {
				t.Fatalf("valid = %v (%s), want %v", got.Valid, got.Reason, tc.valid)
			}
			if !got.Valid && got.Reason == "" {
				t.Fatalf("rejection without reason")
			}
		})
	}

	if _, err := v.Verify(http.Header{}, body, at, " "); !errors.Is(err, errEmptySecret) {
		t.Fatalf("expected empty secret error, got %v", err)
	}
}

func TestStripeVerifierTamperedBody(t *testing.T) {
	secret := "whsec_test"
	at := time.Unix(1_700_000_000, 0)
	h := http.Header{}
	h.Set(SignatureHeader, SignatureFor(secret, at, []byte(`{"id":"evt_1"}`)))
	v, _ := NewVerifier("", 0)
	got, err := v.Verify(h, []byte(`{"id":"evt_2"}`), at, secret)
	if err != nil {
		t.Fatal(err)
	}
	if got.Valid {
		t.Fatalf("tampered body accepted")
	}
}

func TestHMACVerifier(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"id":"evt_1"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	v, err := NewVerifier("hmac", 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, header := range []string{sig, "sha256=" + sig} {
		h := http.Header{}
		h.Set(HMACHeader, header)
		got, err := v.Verify(h, body, time.Now(), secret)
		if err != nil || !got.Valid {
			t.Fatalf("header %q: valid=%v err=%v", header, got.Valid, err)
		}
	}
	h := http.Header{}
	h.Set(HMACHeader, "00")
	if got, _ := v.Verify(h, body, time.Now(), secret); got.Valid {
		t.Fatalf("bad signature accepted")
	}
}

func TestNewVerifierUnknownProvider(t *testing.T) {
	if _, err := NewVerifier("paypal", 0); err == nil {
		t.Fatalf("expected error")
	}
}
