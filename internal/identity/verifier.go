// Package identity verifies externally issued identity assertions. Tokens are
// signed by the identity provider; this service only checks them and maps the
// subject to a local account.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Assertion is the verified payload of an external identity token.
type Assertion struct {
	UID           string
	Email         string
	EmailVerified bool
}

var (
	ErrInvalidAssertion = errors.New("invalid identity assertion")
	ErrExpiredAssertion = errors.New("expired identity assertion")
)

// Verifier checks bearer tokens against the identity provider's signing key.
type Verifier interface {
	Verify(token string) (Assertion, error)
}

type tokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// HMACVerifier verifies HS256 assertions with a key shared with the provider.
type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *HMACVerifier) Verify(token string) (Assertion, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAssertion
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Assertion{}, ErrExpiredAssertion
		}
		return Assertion{}, ErrInvalidAssertion
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Assertion{}, ErrInvalidAssertion
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Assertion{}, ErrInvalidAssertion
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Assertion{}, ErrInvalidAssertion
	}

	return Assertion{
		UID:           claims.Subject,
		Email:         strings.ToLower(strings.TrimSpace(claims.Email)),
		EmailVerified: claims.EmailVerified,
	}, nil
}

// IssueForTest signs an assertion the way the provider would. Test helper only;
// the service never signs identity tokens in production.
func IssueForTest(secret, issuer string, assertion Assertion, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		Email:         assertion.Email,
		EmailVerified: assertion.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   assertion.UID,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
