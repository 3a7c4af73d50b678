package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "failmon"

const (
	ScopeEventsWrite   = "events:write"
	ScopeFailuresRead  = "failures:read"
	ScopeFailuresWrite = "failures:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject   string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

// bearerClaims is the wire form of an access token.
type bearerClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// IssueToken mints an HS256 access token for subject with the given scopes.
func IssueToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(subject) == "" {
		return "", errors.New("secret and subject are required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerFromRequest(r *http.Request, allowQuery bool) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if allowQuery {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return "Bearer " + token
		}
	}
	return ""
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var parsed bearerClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(token *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return tokenClaims{}, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}

	scopes := map[string]struct{}{}
	for _, scope := range parsed.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{
		Subject:   parsed.Subject,
		Scopes:    scopes,
		ExpiresAt: parsed.ExpiresAt.Time,
	}, nil
}

func mapJWTError(err error) *authError {
	message := "invalid bearer token"
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		message = "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		message = "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		message = "unsupported jwt algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		message = "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		message = "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		message = "invalid aud claim"
	}
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}
