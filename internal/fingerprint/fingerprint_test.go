package fingerprint

import (
	"strings"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User@Example.COM", "user@example.com"},
		{"  padded@example.com  ", "padded@example.com"},
		{"already@example.com", "already@example.com"},
		{"\tMiXeD@Case.Org\n", "mixed@case.org"},
	}
	for _, tt := range tests {
		if got := NormalizeEmail(tt.in); got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("camp-1", "user@example.com")
	b := Fingerprint("camp-1", "user@example.com")
	if a != b {
		t.Errorf("two calls differ: %q vs %q", a, b)
	}
}

func TestFingerprint_NormalizesInput(t *testing.T) {
	canonical := Fingerprint("camp-1", "user@example.com")
	variants := []string{"USER@EXAMPLE.COM", " user@example.com ", "User@Example.com"}
	for _, v := range variants {
		if got := Fingerprint("camp-1", v); got != canonical {
			t.Errorf("Fingerprint(camp-1, %q) = %q, want %q", v, got, canonical)
		}
	}
}

func TestFingerprint_DistinguishesInputs(t *testing.T) {
	base := Fingerprint("camp-1", "user@example.com")
	if Fingerprint("camp-2", "user@example.com") == base {
		t.Error("different campaigns produced the same fingerprint")
	}
	if Fingerprint("camp-1", "other@example.com") == base {
		t.Error("different emails produced the same fingerprint")
	}
}

func TestFingerprint_Length(t *testing.T) {
	fp := Fingerprint("camp-1", "user@example.com")
	if len(fp) != 24 {
		t.Errorf("fingerprint length = %d, want 24", len(fp))
	}
	for _, c := range fp {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("fingerprint contains non-hex rune %q", c)
		}
	}
}

func TestMessageID(t *testing.T) {
	id := MessageID("camp-1", "user@example.com")
	if !strings.HasPrefix(id, "email_") {
		t.Errorf("MessageID = %q, want email_ prefix", id)
	}
	if len(id) != len("email_")+24 {
		t.Errorf("MessageID length = %d, want %d", len(id), len("email_")+24)
	}
}

func TestBatchID(t *testing.T) {
	if got := BatchID("camp-1", 0); got != "batch_camp-1_0" {
		t.Errorf("BatchID = %q, want batch_camp-1_0", got)
	}
	if got := BatchID("camp-1", 17); got != "batch_camp-1_17" {
		t.Errorf("BatchID = %q, want batch_camp-1_17", got)
	}
}
