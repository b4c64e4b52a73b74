package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", JWTMiddleware(secret, audience), func(c *gin.Context) {
		operator, _ := GetOperator(c.Request.Context())
		c.String(http.StatusOK, operator)
	})
	return router
}

func serve(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddleware(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "operator-1",
		Audience:  jwt.ClaimStrings{"enroll-ops"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noSubject := valid
	noSubject.Subject = ""

	cases := []struct {
		name     string
		audience string
		header   string
		want     int
	}{
		{"valid", "enroll-ops", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid), http.StatusOK},
		{"missing header", "", "", http.StatusUnauthorized},
		{"wrong scheme", "", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), valid), http.StatusUnauthorized},
		{"wrong algorithm", "", "Bearer " + signToken(t, jwt.SigningMethodHS512, []byte(testSecret), valid), http.StatusUnauthorized},
		{"expired", "", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), http.StatusUnauthorized},
		{"wrong audience", "other-aud", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), valid), http.StatusUnauthorized},
		{"no subject", "", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noSubject), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := serve(newRouter(testSecret, tc.audience), tc.header)
			if resp.Code != tc.want {
				t.Fatalf("expected status %d, got %d: %s", tc.want, resp.Code, resp.Body.String())
			}
			if tc.want == http.StatusOK && resp.Body.String() != "operator-1" {
				t.Fatalf("expected operator in context, got %q", resp.Body.String())
			}
		})
	}
}

func TestJWTMiddlewareDisabledWithoutSecret(t *testing.T) {
	resp := serve(newRouter("", ""), "Bearer whatever")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
}
