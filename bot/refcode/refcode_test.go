package refcode

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ids := []int64{1, 42, 123456789, 7621398457}
	for _, id := range ids {
		code := Encode(id)
		got, err := Decode(code)
		if err != nil {
			t.Fatalf("Decode(%q): %v", code, err)
		}
		if got != id {
			t.Fatalf("Decode(Encode(%d)) = %d", id, got)
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, code := range []string{"", "!!!", "bm90YW51bWJlcg==", "LTU="} {
		if _, err := Decode(code); err == nil {
			t.Fatalf("Decode(%q): expected error", code)
		}
	}
}

func TestIsValidSlug(t *testing.T) {
	valid := []string{"abc", "my_link", "user_42", "aaaaaaaaaaaaaaaaaaaa"}
	for _, s := range valid {
		if !IsValidSlug(s) {
			t.Errorf("IsValidSlug(%q) = false, want true", s)
		}
	}
	invalid := []string{"ab", "UPPER", "with space", "dash-ed", "aaaaaaaaaaaaaaaaaaaaa", "ünïcode"}
	for _, s := range invalid {
		if IsValidSlug(s) {
			t.Errorf("IsValidSlug(%q) = true, want false", s)
		}
	}
}

func TestLink(t *testing.T) {
	got := Link("AnonRelayBot", "abc123")
	if got != "https://t.me/AnonRelayBot?start=abc123" {
		t.Fatalf("Link = %q", got)
	}
}

func TestShareLinkEscapesText(t *testing.T) {
	got := ShareLink("https://t.me/AnonRelayBot?start=x", "hello world & more")
	if !strings.Contains(got, "text=hello+world+%26+more") {
		t.Fatalf("ShareLink = %q", got)
	}
}
