package i18n

import (
	"strings"
	"testing"
)

func TestLoadAllLocales(t *testing.T) {
	b, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, lang := range Supported {
		if got := b.T(lang, "message_sent"); got == "" {
			t.Errorf("lang %s: message_sent is empty", lang)
		}
	}
}

func TestLocalesShareKeySet(t *testing.T) {
	b := MustLoad()
	base := b.locales[DefaultLang]
	for _, lang := range Supported {
		table := b.locales[lang]
		for key := range base {
			if _, ok := table[key]; !ok {
				t.Errorf("lang %s: missing key %q", lang, key)
			}
		}
		for key := range table {
			if _, ok := base[key]; !ok {
				t.Errorf("lang %s: extra key %q not in %s", lang, key, DefaultLang)
			}
		}
	}
}

func TestParamSubstitution(t *testing.T) {
	b := MustLoad()
	got := b.T("en", "broadcast_sent", Params{"success": 5, "failed": 2})
	if !strings.Contains(got, "5 users") || !strings.Contains(got, "Failed: 2") {
		t.Fatalf("broadcast_sent = %q", got)
	}
}

func TestOverlappingPlaceholders(t *testing.T) {
	b := MustLoad()
	got := b.T("en", "mystats", Params{
		"today_messages":  1,
		"today_referrals": 2,
		"total_messages":  3,
		"total_referrals": 4,
		"popularity_rank": 7,
		"ref_link":        "https://t.me/x?start=y",
	})
	if strings.Contains(got, "{") {
		t.Fatalf("unsubstituted placeholder in %q", got)
	}
}

func TestFallbackToDefaultLang(t *testing.T) {
	b := MustLoad()
	def := b.T(DefaultLang, "message_sent")
	if got := b.T("de", "message_sent"); got != def {
		t.Fatalf("unknown lang: got %q, want %q", got, def)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"uz": "uz", "EN": "en", "ru-RU": "ru", "de": DefaultLang, "": DefaultLang,
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
