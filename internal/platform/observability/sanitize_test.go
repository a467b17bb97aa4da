package observability

import (
	"strings"
	"testing"
)

func TestSanitizeStripsControlCharacters(t *testing.T) {
	if got := SanitizeIdentifier("ORDER\n-1\x00"); got != "ORDER-1" {
		t.Fatalf("expected ORDER-1, got %q", got)
	}
	if got := SanitizeMethod("POST\r\n"); got != "POST" {
		t.Fatalf("expected POST, got %q", got)
	}
}

func TestSanitizeLimitsLength(t *testing.T) {
	long := strings.Repeat("a", 100)
	if got := SanitizeIdentifier(long); len(got) != 64 {
		t.Fatalf("expected 64 characters, got %d", len(got))
	}
	if got := SanitizeRoute(""); got != "/" {
		t.Fatalf("expected root route, got %q", got)
	}
}
