package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

// Claims are the access token claims. The subject carries the user ID.
type Claims struct {
	jwt.RegisteredClaims
	TwoFactorVerified bool `json:"tfv,omitempty"`
}

// UserID parses the subject as a user ID
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.CodeInvalidToken, "token subject is not a user id")
	}
	return id, nil
}

// Verifier validates bearer credentials
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// TokenManager issues and verifies HS256 access tokens
type TokenManager struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewTokenManager creates a token manager. The secret must be at least 32
// bytes.
func NewTokenManager(secret, issuer string) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 5 * time.Second,
		now:    time.Now,
	}, nil
}

// Issue signs a token for userID valid for ttl
func (tm *TokenManager) Issue(userID int64, twoFactorVerified bool, ttl time.Duration) (string, error) {
	now := tm.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TwoFactorVerified: twoFactorVerified,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates token. Expired tokens fail with
// EXPIRED_TOKEN; every other failure is INVALID_TOKEN.
func (tm *TokenManager) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, apperrors.New(apperrors.CodeInvalidToken, "missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tm.leeway),
		jwt.WithTimeFunc(tm.now),
	}
	if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(apperrors.CodeExpiredToken, "token expired", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeInvalidToken, "invalid token", err)
	}

	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return &claims, nil
}
