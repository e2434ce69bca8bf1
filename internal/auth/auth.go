package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.relay/internal/model"
)

const (
	CookieName = "accessToken"
	contextKey = "userId"
)

type Claims struct {
	UserID model.UserID `json:"userId"`
	jwt.StandardClaims
}

// verifier checks HMAC signed access tokens issued by the auth service.
type verifier struct {
	secret []byte
}

func NewVerifier(secret string) *verifier {
	return &verifier{secret: []byte(secret)}
}

func (v *verifier) VerifyIdentity(token string) (model.UserID, error) {
	if token == "" {
		return "", model.ErrorMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrorInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return "", model.ErrorInvalidToken
	}
	return claims.UserID, nil
}

// Issue signs a token for userID. The auth service owns issuance; this is
// used by tooling and tests.
func Issue(secret string, userID model.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

type Verifier interface {
	VerifyIdentity(token string) (model.UserID, error)
}

// Middleware accepts a bearer token or the accessToken cookie and stores the
// caller's id on the context.
func Middleware(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := v.VerifyIdentity(tokenFrom(c))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			c.Set(contextKey, userID)
			return next(c)
		}
	}
}

func tokenFrom(c echo.Context) string {
	if header := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := c.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func UserID(c echo.Context) model.UserID {
	userID, _ := c.Get(contextKey).(model.UserID)
	return userID
}
