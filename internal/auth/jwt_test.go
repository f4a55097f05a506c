package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signed(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return tok
}

func TestValidateToken(t *testing.T) {
	cfg := JWTCfg{HS256Secret: testSecret}
	valid, err := IssueToken(testSecret, "user_123", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr bool
	}{
		{name: "issued token", token: valid, wantSub: "user_123"},
		{
			name:    "expired",
			token:   signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "missing sub",
			token:   signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   signed(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "u"}),
			wantErr: true,
		},
		{
			name:    "wrong algorithm",
			token:   signed(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "u"}),
			wantErr: true,
		},
		{name: "garbage", token: "not.a.token", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := ValidateToken(tt.token, cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if sub != tt.wantSub {
				t.Errorf("ValidateToken() = %q, want %q", sub, tt.wantSub)
			}
		})
	}
}

func TestValidateTokenMissingSubject(t *testing.T) {
	tok := signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if _, err := ValidateToken(tok, JWTCfg{HS256Secret: testSecret}); !errors.Is(err, ErrMissingSubject) {
		t.Errorf("ValidateToken() error = %v, want ErrMissingSubject", err)
	}
	if _, err := IssueToken("", "u", time.Hour); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("IssueToken() error = %v, want ErrMissingSecret", err)
	}
}

func TestMiddleware(t *testing.T) {
	tok, err := IssueToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	tests := []struct {
		name     string
		cfg      JWTCfg
		header   map[string]string
		wantCode int
		wantSub  string
	}{
		{name: "bearer", cfg: JWTCfg{HS256Secret: testSecret}, header: map[string]string{"Authorization": "Bearer " + tok}, wantCode: http.StatusOK, wantSub: "alice"},
		{name: "bad bearer", cfg: JWTCfg{HS256Secret: testSecret}, header: map[string]string{"Authorization": "Bearer nope"}, wantCode: http.StatusUnauthorized},
		{name: "no credentials", cfg: JWTCfg{HS256Secret: testSecret}, wantCode: http.StatusUnauthorized},
		{name: "debug header in dev mode", cfg: JWTCfg{DevMode: true}, header: map[string]string{"X-Debug-Sub": "bob"}, wantCode: http.StatusOK, wantSub: "bob"},
		{name: "debug header outside dev mode", cfg: JWTCfg{HS256Secret: testSecret}, header: map[string]string{"X-Debug-Sub": "bob"}, wantCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSub string
			h := Middleware(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotSub = Subject(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if gotSub != tt.wantSub {
				t.Errorf("Subject() = %q, want %q", gotSub, tt.wantSub)
			}
		})
	}
}
