package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer          = "tasklane"
	minSecretLength = 32
)

// Claims carries the identity embedded in a signed access token. Role is the
// coarse account-level default captured at mint time; project-scoped decisions
// must consult the membership store instead.
type Claims struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Codec mints and verifies short-lived signed access tokens using HS256.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec. The signing secret must be at least 32 bytes.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	}
	c := &Codec{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mint signs an access token for the given claims with the supplied lifetime.
// It returns the compact token and its expiry.
func (c *Codec) Mint(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims.Issuer = issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.ID = uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the token signature and required claims. It fails with
// ErrExpiredToken for a well-formed but expired token and ErrInvalidToken for
// everything else; callers exposing the result over HTTP must map both to the
// same status so the two cases are not distinguishable externally.
func (c *Codec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RandomOpaque returns a cryptographically random hex string of byteLen random
// bytes, used for refresh and reset tokens. Generated values are not checked
// for store collisions; the unique constraint on the token column backstops
// the astronomically unlikely duplicate.
func RandomOpaque(byteLen int) (string, error) {
	if byteLen <= 0 {
		return "", errors.New("byte length must be positive")
	}
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
