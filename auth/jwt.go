package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT authenticates clients by an HMAC-signed token carried in the `token`
// key of the credential object. The token's subject claim becomes the
// client id.
type JWT struct {
	secretKey []byte
}

// NewJWT builds a JWT authenticator for the given shared secret.
func NewJWT(secret string) *JWT {
	return &JWT{secretKey: []byte(secret)}
}

func (a *JWT) Authenticate(_ context.Context, credentials map[string]any) (string, error) {
	tokenString, _ := credentials["token"].(string)
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", ErrInvalidCredentials)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrInvalidCredentials)
	}
	return subject, nil
}

// Issue mints a token for a client id. Exists so tests and development
// tooling can produce credentials the agent accepts; a production deployment
// issues tokens from its account service.
func (a *JWT) Issue(clientID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
}
