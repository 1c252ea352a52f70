package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	clockNow := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueSessionToken(Identity{
		UserID: testSessionUserID,
		Email:  testSessionUserEmail,
		Roles:  []string{"admin"},
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	validator := newTestValidator(t, func() time.Time { return clockNow.Add(time.Minute) })
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != testSessionUserID || claims.UserEmail != testSessionUserEmail || !claims.HasRole("admin") {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.Equal(clockNow.Add(30*time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(Identity{UserID: " "}); err == nil {
		t.Fatalf("expected error for missing subject")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{name: "secret", config: TokenIssuerConfig{Issuer: defaultSessionIssuer, TokenTTL: time.Minute}},
		{name: "issuer", config: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: " ", TokenTTL: time.Minute}},
		{name: "ttl", config: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: defaultSessionIssuer}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

func TestIssuedTokenUsesHS256(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueSessionToken(Identity{UserID: "usr_1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, &SessionClaims{})
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if parsed.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		t.Fatalf("unexpected algorithm %s", parsed.Method.Alg())
	}
}
