package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func mintToken(t *testing.T, userID string, isAdmin bool, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:  userID,
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func testEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(testSecret))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	admin := r.Group("/admin")
	admin.Use(AdminOnly())
	admin.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func doRequest(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingToken(t *testing.T) {
	r := testEngine()
	if w := doRequest(r, "/whoami", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	r := testEngine()
	token := mintToken(t, "u1", false, []byte("other-secret"))
	if w := doRequest(r, "/whoami", token); w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
}

func TestAuthSetsIdentity(t *testing.T) {
	r := testEngine()
	token := mintToken(t, "u1", false, testSecret)
	w := doRequest(r, "/whoami", token)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if body := w.Body.String(); body != `{"user_id":"u1"}` {
		t.Fatalf("body = %s", body)
	}
}

func TestAdminOnly(t *testing.T) {
	r := testEngine()

	user := mintToken(t, "u1", false, testSecret)
	if w := doRequest(r, "/admin/ping", user); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin code = %d, want 403", w.Code)
	}

	admin := mintToken(t, "root", true, testSecret)
	if w := doRequest(r, "/admin/ping", admin); w.Code != http.StatusOK {
		t.Fatalf("admin code = %d, want 200", w.Code)
	}
}
