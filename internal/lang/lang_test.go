package lang

import "testing"

func TestParseSupported(t *testing.T) {
	for _, raw := range []string{"en", "es", "fr", "de", "pt", "yo", "ha", "ig"} {
		tag, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !IsSupported(tag) {
			t.Fatalf("%q should be supported", raw)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"", "xx", "EN", "en-US"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if Yoruba.DisplayName() != "Yoruba" {
		t.Fatalf("unexpected display name %q", Yoruba.DisplayName())
	}
	if Tag("zz").DisplayName() != "zz" {
		t.Fatal("unknown tags fall back to the raw tag")
	}
}
