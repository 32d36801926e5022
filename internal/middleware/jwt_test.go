package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	return r
}

func get(r http.Handler, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := authRouter()

	token, err := IssueToken(secret, "alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	w := get(r, "Bearer "+token)
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Errorf("Expected 200 alice, got %d %q", w.Code, w.Body.String())
	}

	expired, _ := IssueToken(secret, "alice", -time.Minute)
	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic " + token,
		"no token":       "Bearer ",
		"expired":        "Bearer " + expired,
		"garbage":        "Bearer not.a.jwt",
	}
	for name, auth := range cases {
		if w := get(r, auth); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, w.Code)
		}
	}
}

func TestJWTAuthRejectsOtherAlgorithms(t *testing.T) {
	claims := JWTClaims{UserID: "mallory"}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if w := get(authRouter(), "Bearer "+unsigned); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for alg none, got %d", w.Code)
	}
}

func TestJWTAuthRequiresUserID(t *testing.T) {
	token, err := IssueToken(secret, "", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if w := get(authRouter(), "Bearer "+token); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without user id, got %d", w.Code)
	}
}

func TestRoomToken(t *testing.T) {
	token, expires, err := IssueRoomToken(secret, "room-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueRoomToken: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Errorf("Expected expiry in the future, got %v", expires)
	}

	claims, err := VerifyRoomToken(secret, token, "room-1")
	if err != nil {
		t.Fatalf("VerifyRoomToken: %v", err)
	}
	if claims.UserID != "alice" || claims.RoomID != "room-1" {
		t.Errorf("Unexpected claims %+v", claims)
	}

	if _, err := VerifyRoomToken(secret, token, "room-2"); !errors.Is(err, ErrRoomMismatch) {
		t.Errorf("Expected ErrRoomMismatch, got %v", err)
	}
	if _, err := VerifyRoomToken("other", token, "room-1"); err == nil || errors.Is(err, ErrRoomMismatch) {
		t.Errorf("Expected signature failure, got %v", err)
	}

	login, _ := IssueToken(secret, "alice", time.Minute)
	if _, err := VerifyRoomToken(secret, login, "room-1"); !errors.Is(err, jwt.ErrTokenInvalidAudience) {
		t.Errorf("Expected login token to be refused as a room token, got %v", err)
	}
}

func TestRoomTokenIsNotALogin(t *testing.T) {
	token, _, err := IssueRoomToken(secret, "room-1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueRoomToken: %v", err)
	}
	if w := get(authRouter(), "Bearer "+token); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a room token used as a login, got %d", w.Code)
	}
}
