package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.relay/internal/model"
)

const secret = "test-secret"

func TestVerifyIdentity(t *testing.T) {
	assert := assert.New(t)
	v := NewVerifier(secret)

	t.Run("Valid", func(t *testing.T) {
		token, err := Issue(secret, "alice", time.Minute)
		require.NoError(t, err)
		userID, err := v.VerifyIdentity(token)
		assert.Nil(err)
		assert.Equal(model.UserID("alice"), userID)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := v.VerifyIdentity("")
		assert.ErrorIs(err, model.ErrorMissingToken)
	})

	t.Run("Wrong Secret", func(t *testing.T) {
		token, err := Issue("other-secret", "alice", time.Minute)
		require.NoError(t, err)
		_, err = v.VerifyIdentity(token)
		assert.ErrorIs(err, model.ErrorInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := Issue(secret, "alice", -time.Minute)
		require.NoError(t, err)
		_, err = v.VerifyIdentity(token)
		assert.ErrorIs(err, model.ErrorInvalidToken)
	})

	t.Run("No User", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{}).SignedString([]byte(secret))
		require.NoError(t, err)
		_, err = v.VerifyIdentity(token)
		assert.ErrorIs(err, model.ErrorInvalidToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := v.VerifyIdentity("not.a.token")
		assert.ErrorIs(err, model.ErrorInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	assert := assert.New(t)
	token, err := Issue(secret, "bob", time.Minute)
	require.NoError(t, err)

	server := echo.New()
	server.Use(Middleware(NewVerifier(secret)))
	server.GET("/me", func(c echo.Context) error {
		return c.String(http.StatusOK, string(UserID(c)))
	})

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"Bearer", func(r *http.Request) { r.Header.Set(echo.HeaderAuthorization, "Bearer "+token) }, http.StatusOK, "bob"},
		{"Cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: token}) }, http.StatusOK, "bob"},
		{"None", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"Bad", func(r *http.Request) { r.Header.Set(echo.HeaderAuthorization, "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			assert.Equal(tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(tt.body, rec.Body.String())
			}
		})
	}
}
