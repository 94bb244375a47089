package dlp

import (
	"strings"
	"testing"
)

func TestScanMaskRedactsOpenAIKey(t *testing.T) {
	e := New()
	res := e.Scan("my key is sk-abcdefghij1234567890", ModeMask)
	if res.Blocked {
		t.Fatalf("mask mode must not block")
	}
	if !res.Triggered() {
		t.Fatalf("expected a match")
	}
	if strings.Contains(res.Text, "sk-abcdefghij1234567890") {
		t.Fatalf("secret leaked into masked output: %q", res.Text)
	}
}

func TestScanBlockReturnsSentinel(t *testing.T) {
	e := New()
	res := e.Scan("my key is sk-abcdefghij1234567890", ModeBlock)
	if !res.Blocked {
		t.Fatalf("expected block mode to block on a match")
	}
}

func TestScanShadowLogNeverMutates(t *testing.T) {
	e := New()
	input := "my key is sk-abcdefghij1234567890"
	res := e.Scan(input, ModeShadowLog)
	if res.Blocked {
		t.Fatalf("shadow-log must never block")
	}
	if res.Text != input {
		t.Fatalf("shadow-log must return the original text unmodified, got %q", res.Text)
	}
	if !res.Triggered() {
		t.Fatalf("shadow-log must still record that a match occurred")
	}
}

func TestScanNoMatchReturnsOriginal(t *testing.T) {
	e := New()
	res := e.Scan("just a normal sentence", ModeMask)
	if res.Triggered() {
		t.Fatalf("expected no matches")
	}
	if res.Text != "just a normal sentence" {
		t.Fatalf("expected unmodified text on no match")
	}
}

func TestCreditCardRequiresLuhn(t *testing.T) {
	e := New()
	// Valid Luhn test number.
	res := e.Scan("card: 4532015112830366", ModeMask)
	found := false
	for _, m := range res.Matches {
		if m.Pattern == "credit_card" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a valid Luhn card number to match")
	}

	// Same length, fails Luhn.
	e2 := New()
	res2 := e2.Scan("card: 1234567890123456", ModeMask)
	for _, m := range res2.Matches {
		if m.Pattern == "credit_card" {
			t.Fatalf("non-Luhn digit run must not match as credit_card")
		}
	}
}

func TestEmailRedaction(t *testing.T) {
	e := New()
	res := e.Scan("contact me at jane.doe@example.com please", ModeMask)
	if strings.Contains(res.Text, "jane.doe@example.com") {
		t.Fatalf("email leaked: %q", res.Text)
	}
}

func TestIsLikelySecretAdvisoryOnly(t *testing.T) {
	secret := "Tz9!kLp2Qw8@xRv4Nb7$Mj1"
	if !IsLikelySecret(secret) {
		t.Fatalf("expected high-entropy mixed-class string to be flagged")
	}
	if !IsLikelySecret(secret) {
		t.Fatalf("IsLikelySecret must be pure and not mutate on repeat calls")
	}
}

func TestIsLikelySecretRejectsShortStrings(t *testing.T) {
	if IsLikelySecret("short") {
		t.Fatalf("short strings must never be flagged")
	}
}
