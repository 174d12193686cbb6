package claims

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/calderaops/caldera/internal/authctx"
)

const minTokenSecretLen = 32

var (
	errMissingTokenSecret = errors.New("claims: CLAIMS_TOKEN_SECRET not set")
	errShortTokenSecret   = errors.New("claims: CLAIMS_TOKEN_SECRET shorter than 32 bytes")
	errInvalidBearerToken = errors.New("claims: invalid bearer token")
)

type bearerClaims struct {
	ActorID  string `json:"act"`
	TenantID string `json:"ten"`
	Role     string `json:"rol"`
	jwt.RegisteredClaims
}

// TokenCodec mints and verifies the bearer tokens that carry a claims
// snapshot for API clients. The snapshot inside a token is still subject
// to the claim-store read on every request; the token alone never
// authorizes a write.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenCodec(secret []byte, ttl time.Duration) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errMissingTokenSecret
	}
	if len(secret) < minTokenSecretLen {
		return nil, errShortTokenSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenCodec{secret: secret, ttl: ttl}, nil
}

func NewTokenCodecFromEnv() (*TokenCodec, error) {
	secret := os.Getenv("CLAIMS_TOKEN_SECRET")
	ttl := 24 * time.Hour
	if v := os.Getenv("CLAIMS_TOKEN_TTL_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, errors.New("claims: invalid CLAIMS_TOKEN_TTL_HOURS")
		}
		ttl = time.Duration(n) * time.Hour
	}
	return NewTokenCodec([]byte(secret), ttl)
}

func (c *TokenCodec) Mint(subject string, snap Snapshot, now time.Time) (string, error) {
	if subject == "" || !snap.Complete() {
		return "", errIncompleteSnapshot
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, bearerClaims{
		ActorID:  snap.ActorID,
		TenantID: snap.TenantID,
		Role:     string(snap.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	})
	return t.SignedString(c.secret)
}

func (c *TokenCodec) Verify(token string) (subject string, snap Snapshot, err error) {
	var bc bearerClaims
	parsed, err := jwt.ParseWithClaims(token, &bc, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", Snapshot{}, errInvalidBearerToken
	}
	role, err := authctx.ParseRole(bc.Role)
	if err != nil {
		return "", Snapshot{}, errInvalidBearerToken
	}
	if bc.Subject == "" || bc.ActorID == "" || bc.TenantID == "" {
		return "", Snapshot{}, errInvalidBearerToken
	}
	return bc.Subject, Snapshot{ActorID: bc.ActorID, TenantID: bc.TenantID, Role: role}, nil
}
