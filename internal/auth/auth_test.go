package auth_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/store/storetest"
)

const secret = "test-secret"

func TestIssueAndAuthenticate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := storetest.New(t)
	alice := storetest.User(t, s, "alice")

	token, err := auth.NewIssuer(secret, time.Hour).Issue(auth.Identity{UserID: alice.ID, Username: "alice"})
	req.NoError(err)

	id, err := auth.NewAuthenticator(secret, s).Authenticate(ctx, token)
	req.NoError(err)
	req.Equal(auth.Identity{UserID: alice.ID, Username: "alice"}, id)
}

func TestAuthenticateSurfacesStoreOutage(t *testing.T) {
	req := require.New(t)
	s := storetest.New(t)
	alice := storetest.User(t, s, "alice")
	token, err := auth.NewIssuer(secret, time.Hour).Issue(auth.Identity{UserID: alice.ID, Username: "alice"})
	req.NoError(err)

	req.NoError(s.Close())
	_, err = auth.NewAuthenticator(secret, s).Authenticate(context.Background(), token)
	req.ErrorIs(err, apperr.ErrTransient)
	req.NotErrorIs(err, auth.ErrUnauthenticated)
}

func TestAuthenticateRejects(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := storetest.New(t)
	alice := storetest.User(t, s, "alice")
	a := auth.NewAuthenticator(secret, s)
	aliceID := auth.Identity{UserID: alice.ID, Username: "alice"}

	_, err := a.Authenticate(ctx, "")
	req.ErrorIs(err, auth.ErrUnauthenticated)

	_, err = a.Authenticate(ctx, "not.a.jwt")
	req.ErrorIs(err, auth.ErrUnauthenticated)

	forged, err := auth.NewIssuer("other-secret", time.Hour).Issue(aliceID)
	req.NoError(err)
	_, err = a.Authenticate(ctx, forged)
	req.ErrorIs(err, auth.ErrUnauthenticated)

	// Expiry is truncated to whole seconds, so a 1ns lifetime is already over.
	expired, err := auth.NewIssuer(secret, time.Nanosecond).Issue(aliceID)
	req.NoError(err)
	_, err = a.Authenticate(ctx, expired)
	req.ErrorIs(err, auth.ErrUnauthenticated)

	ghost, err := auth.NewIssuer(secret, time.Hour).Issue(auth.Identity{UserID: 404, Username: "ghost"})
	req.NoError(err)
	_, err = a.Authenticate(ctx, ghost)
	req.ErrorIs(err, auth.ErrUnauthenticated)

	valid, err := auth.NewIssuer(secret, time.Hour).Issue(aliceID)
	req.NoError(err)
	req.NoError(s.SetActive(ctx, alice.ID, false))
	_, err = a.Authenticate(ctx, valid)
	req.ErrorIs(err, auth.ErrUnauthenticated)
}

func TestAuthenticateRejectsOtherAlgorithms(t *testing.T) {
	req := require.New(t)
	s := storetest.New(t)
	alice := storetest.User(t, s, "alice")

	claims := auth.Claims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(alice.ID, 10),
			Issuer:    "pairchat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(secret))
	req.NoError(err)

	_, err = auth.NewAuthenticator(secret, s).Authenticate(context.Background(), token)
	req.ErrorIs(err, auth.ErrUnauthenticated)
}

func TestPasswords(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := storetest.New(t)
	alice := storetest.User(t, s, "alice")

	_, err := auth.HashPassword("")
	req.ErrorIs(err, apperr.ErrInvalid)

	hash, err := auth.HashPassword("correct horse")
	req.NoError(err)
	req.True(auth.ComparePassword("correct horse", hash))
	req.False(auth.ComparePassword("battery staple", hash))

	_, err = auth.Login(ctx, s, "alice", "correct horse")
	req.ErrorIs(err, auth.ErrBadCredentials)

	req.NoError(auth.SetPassword(ctx, s, alice.ID, "correct horse"))
	id, err := auth.Login(ctx, s, "alice", "correct horse")
	req.NoError(err)
	req.Equal(alice.ID, id.UserID)

	_, err = auth.Login(ctx, s, "alice", "wrong")
	req.ErrorIs(err, auth.ErrBadCredentials)
	_, err = auth.Login(ctx, s, "nobody", "correct horse")
	req.ErrorIs(err, auth.ErrBadCredentials)

	req.NoError(s.SetActive(ctx, alice.ID, false))
	_, err = auth.Login(ctx, s, "alice", "correct horse")
	req.ErrorIs(err, apperr.ErrForbidden)
}
