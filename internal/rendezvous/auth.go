package rendezvous

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized rejects a websocket upgrade without a valid identity.
var ErrUnauthorized = errors.New("rendezvous: unauthorized")

const tokenIssuer = "goopcall"

// Claims carries the authenticated user ID as the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID. ttl <= 0 issues a token
// without expiry.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("rendezvous: empty auth secret")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("rendezvous: empty user id")
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  userID,
		Issuer:   tokenIssuer,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken checks the signature and expiry and returns the subject.
func VerifyToken(secret []byte, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// authenticate resolves the user of a request. With a secret the bearer
// token decides and must match ?user= when both are present. Without one
// the server trusts ?user=, which is only suitable for a LAN deployment.
func (s *Server) authenticate(r *http.Request) (string, error) {
	claimed := strings.TrimSpace(r.URL.Query().Get("user"))
	if len(s.secret) == 0 {
		if claimed == "" {
			return "", fmt.Errorf("%w: missing user", ErrUnauthorized)
		}
		return claimed, nil
	}

	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" || tok == r.Header.Get("Authorization") {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	sub, err := VerifyToken(s.secret, tok)
	if err != nil {
		return "", err
	}
	if claimed != "" && claimed != sub {
		return "", fmt.Errorf("%w: token is for another user", ErrUnauthorized)
	}
	return sub, nil
}
