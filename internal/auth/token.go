// Package auth verifies the bearer tokens presented by clients and issues
// them for the admin tooling. Tokens are HS256 JWTs whose subject is the
// numeric user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/store"
)

const issuer = "pairchat"

// ErrUnauthenticated reports a missing, malformed, expired or revoked token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated user behind a token.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Claims is the JWT payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issuer signs tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer signs with secret; a non-positive ttl means three hours.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for id.
func (i *Issuer) Issue(id Identity) (string, error) {
	now := i.now()
	claims := Claims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Authenticator turns a bearer token into an Identity. The user named by
// the token must still exist and be active.
type Authenticator struct {
	secret []byte
	store  *store.Store
}

// NewAuthenticator verifies tokens signed with secret against users in s.
func NewAuthenticator(secret string, s *store.Store) *Authenticator {
	return &Authenticator{secret: []byte(secret), store: s}
}

func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid subject %q", ErrUnauthenticated, claims.Subject)
	}
	user, err := a.store.ActiveUser(ctx, userID)
	if err != nil {
		if apperr.IsTransient(err) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Identity{UserID: user.ID, Username: user.Username}, nil
}
