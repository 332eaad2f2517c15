package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken("svc-billing", RoleAdmin, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "svc-billing" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if claims.Role != RoleAdmin {
		t.Errorf("Role = %q, want admin", claims.Role)
	}
	if claims.ID == "" {
		t.Error("token ID should be set")
	}
}

func TestParseTokenRejects(t *testing.T) {
	sign := func(c Claims, method jwt.SigningMethod, key any) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	valid, _ := IssueToken("svc", RoleOperator, testSecret, time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "svc", ExpiresAt: future}, Role: RoleAdmin}, jwt.SigningMethodHS256, []byte("other"))},
		{"expired", sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "svc", ExpiresAt: past}, Role: RoleAdmin}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no expiry", sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "svc"}, Role: RoleAdmin}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"missing subject", sign(Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}, Role: RoleAdmin}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"unknown role", sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "svc", ExpiresAt: future}, Role: "owner"}, jwt.SigningMethodHS256, []byte(testSecret))},
		{"wrong algorithm", sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "svc", ExpiresAt: future}, Role: RoleAdmin}, jwt.SigningMethodHS512, []byte(testSecret))},
		{"garbage", "not.a.token"},
		{"tampered", valid + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, testSecret); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleOperator, PermDeviceRead, true},
		{RoleOperator, PermDeviceOperate, true},
		{RoleOperator, PermDeviceConfigure, false},
		{RoleOperator, PermWebhookVerify, false},
		{RoleAdmin, PermDeviceConfigure, true},
		{RoleAdmin, PermWebhookVerify, true},
		{"unknown", PermDeviceRead, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}
