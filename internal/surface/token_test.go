package surface

import (
	"testing"

	"github.com/im-red/failed-requests-monitor/internal/httpapi"
)

func TestResolveTokenPrefersExplicitToken(t *testing.T) {
	got, err := ResolveToken("  given-token ", "secret", "cli", nil)
	if err != nil || got != "given-token" {
		t.Fatalf("expected explicit token, got %q err=%v", got, err)
	}
}

func TestResolveTokenMintsFromSecret(t *testing.T) {
	got, err := ResolveToken("", "secret", "cli", []string{httpapi.ScopeFailuresRead})
	if err != nil || got == "" {
		t.Fatalf("expected minted token, got %q err=%v", got, err)
	}
	if _, err := ResolveToken("", " ", "cli", nil); err == nil {
		t.Fatalf("expected error without token or secret")
	}
}
