package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"

	"trivia-duel-service/internal/domain"
)

type claims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator resolves the identity of a websocket handshake.
// With a secret it requires an HS256 token carrying {id, username}, passed as the
// token query parameter or an Authorization bearer header. Without a secret it trusts
// the userId and name query parameters.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Identify(r *http.Request) (userID, displayName string, err error) {
	if len(a.secret) == 0 {
		userID = r.URL.Query().Get("userId")
		displayName = r.URL.Query().Get("name")
		if userID == "" {
			return "", "", eris.Wrap(domain.ErrUnauthorized, "missing userId")
		}
		if displayName == "" {
			displayName = userID
		}
		return userID, displayName, nil
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		return "", "", eris.Wrap(domain.ErrUnauthorized, "missing token")
	}

	var c claims
	_, err = jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", eris.Wrapf(domain.ErrUnauthorized, "invalid token: %v", err)
	}
	if c.UserID == "" {
		return "", "", eris.Wrap(domain.ErrUnauthorized, "token without id")
	}
	displayName = c.Username
	if displayName == "" {
		displayName = c.UserID
	}
	return c.UserID, displayName, nil
}

// SignToken issues a token accepted by an Authenticator with the same secret.
func SignToken(secret, userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	return signed, eris.Wrap(err, "sign token")
}
