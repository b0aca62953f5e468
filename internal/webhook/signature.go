package webhook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSignature is returned for a missing or unverifiable Authorization header.
var ErrInvalidSignature = errors.New("invalid signature")

// Verifier checks the HS256 JWT monday.com places in the Authorization header.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify accepts a bare token or a "Bearer <token>" header value.
func (v *Verifier) Verify(header string) error {
	token := strings.TrimSpace(header)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return ErrInvalidSignature
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid {
		return ErrInvalidSignature
	}
	return nil
}
