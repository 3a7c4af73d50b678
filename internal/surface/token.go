package surface

import (
	"fmt"
	"strings"
	"time"

	"github.com/im-red/failed-requests-monitor/internal/httpapi"
)

const mintedTokenTTL = 12 * time.Hour

// ResolveToken returns token when set, otherwise mints a short-lived token
// for subject from the engine's signing secret.
func ResolveToken(token, secret, subject string, scopes []string) (string, error) {
	if token = strings.TrimSpace(token); token != "" {
		return token, nil
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("a bearer token or the engine signing secret is required")
	}
	return httpapi.IssueToken(secret, subject, scopes, mintedTokenTTL, time.Now())
}
