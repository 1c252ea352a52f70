package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	return s.claims, nil
}

func TestAuthorizeRequestLogLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{name: "expired", err: fmt.Errorf("%w: %w", auth.ErrExpiredSessionToken, jwt.ErrTokenExpired), level: zapcore.InfoLevel},
		{name: "missing", err: auth.ErrMissingSessionToken, level: zapcore.InfoLevel},
		{name: "invalid", err: auth.ErrInvalidSessionToken, level: zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Request = httptest.NewRequest(http.MethodGet, "/courses", http.NoBody)

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{
				validator: stubValidator{err: testCase.err},
				logger:    zap.New(core),
			}
			handler.authorizeRequest(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
			}
			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected exactly one log entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.level || entries[0].Message != "token validation failed" {
				t.Fatalf("unexpected log entry %s %q", entries[0].Level, entries[0].Message)
			}
			hasCause := false
			for _, field := range entries[0].Context {
				if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), testCase.err) {
					hasCause = true
				}
			}
			if !hasCause {
				t.Fatalf("expected error context, got %v", entries[0].Context)
			}
		})
	}
}

func TestAuthorizeRequestStoresCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/courses", http.NoBody)

	handler := &httpHandler{
		validator: stubValidator{claims: auth.SessionClaims{UserID: "usr_1", UserRoles: []string{"Admin"}}},
		logger:    zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to pass")
	}
	if ctx.GetString(userIDContextKey) != "usr_1" {
		t.Fatalf("expected user id in context, got %q", ctx.GetString(userIDContextKey))
	}
	if !callerClaims(ctx).HasRole(roleAdmin) {
		t.Fatalf("expected admin claims in context")
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Validator: stubValidator{}}); !errors.Is(err, errMissingUsers) {
		t.Fatalf("expected missing users error, got %v", err)
	}
}
