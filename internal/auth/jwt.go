package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"makerspace/internal/domain"
)

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTVerifier validates HS256 tokens in process. The subject claim becomes
// the principal's user id.
type JWTVerifier struct {
	Secret string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Revoked reports whether a token id (jti) has been revoked.
	Revoked func(jti string) bool
	Now     func() time.Time
}

func (v JWTVerifier) Verify(ctx context.Context, token string) (domain.Principal, error) {
	if err := ctxFailure(ctx); err != nil {
		return domain.Principal{}, err
	}
	if strings.TrimSpace(v.Secret) == "" {
		return domain.Principal{}, reject(KindUnauthenticatedOther, errors.New("jwt secret not configured"))
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}
	claims := &jwtClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return domain.Principal{}, classifyJWTError(err)
	}
	if !parsed.Valid {
		return domain.Principal{}, reject(KindUnauthenticatedOther, errors.New("invalid token"))
	}
	if claims.Subject == "" {
		return domain.Principal{}, reject(KindMalformed, errors.New("subject claim required"))
	}
	if v.Revoked != nil && claims.ID != "" && v.Revoked(claims.ID) {
		return domain.Principal{}, reject(KindRevoked, nil)
	}
	return domain.Principal{
		UserID: claims.Subject,
		Roles:  domain.RolesFromStrings(claims.Roles),
	}, nil
}

func classifyJWTError(err error) *VerificationError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return reject(KindMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return reject(KindExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return reject(KindUnknownIssuer, err)
	default:
		return reject(KindUnauthenticatedOther, err)
	}
}

// RevokedSet adapts a list of token ids to JWTVerifier.Revoked.
func RevokedSet(ids []string) func(string) bool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return func(jti string) bool {
		_, ok := set[jti]
		return ok
	}
}

// MintOptions describe a token signed by MintToken.
type MintOptions struct {
	Secret string
	Issuer string
	UserID string
	Roles  []string
	TTL    time.Duration
	ID     string
	Now    time.Time
}

// MintToken signs an HS256 token accepted by JWTVerifier. It exists for local
// development and tests; production tokens come from the identity provider.
func MintToken(opts MintOptions) (string, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return "", errors.New("jwt secret required")
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return "", errors.New("user id required")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.UserID,
			Issuer:    opts.Issuer,
			ID:        opts.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: opts.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(opts.Secret))
}
