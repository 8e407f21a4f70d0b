// Package authz implements the authorization predicate consulted by the
// Smart HTTP service before any repository I/O: func(ctx, repo, op) (bool, error).
// Two concrete, optional implementations are provided (bearer-JWT and
// basic-auth+bcrypt); callers may instead supply any function matching
// the same signature, or Allow for open access.
package authz

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Operation distinguishes read (upload-pack) from write (receive-pack)
// access when consulting an Authorizer.
type Operation int

const (
	Read Operation = iota
	Write
)

func (op Operation) String() string {
	if op == Write {
		return "write"
	}
	return "read"
}

// Authorizer decides whether repo may be accessed for op, given whatever
// credential the request carried in ctx (see WithBearerToken/WithBasicAuth).
type Authorizer func(ctx context.Context, repo string, op Operation) (bool, error)

// Allow authorizes every request. It is the default when no auth.mode is
// configured.
func Allow(context.Context, string, Operation) (bool, error) { return true, nil }

type credentialKey struct{}

type credentials struct {
	bearerToken string
	basicUser   string
	basicPass   string
	hasBasic    bool
}

// WithBearerToken attaches a bearer token extracted from an incoming
// request's Authorization header to ctx, for later consumption by a
// JWTAuthorizer.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, credentialKey{}, credentials{bearerToken: token})
}

// WithBasicAuth attaches HTTP Basic credentials extracted from an incoming
// request to ctx, for later consumption by a BasicAuthorizer.
func WithBasicAuth(ctx context.Context, user, pass string) context.Context {
	return context.WithValue(ctx, credentialKey{}, credentials{basicUser: user, basicPass: pass, hasBasic: true})
}

func credentialsFrom(ctx context.Context) (credentials, bool) {
	c, ok := ctx.Value(credentialKey{}).(credentials)
	return c, ok
}

var (
	ErrMissingCredential = errors.New("authz: no credential present on request")
	ErrInvalidToken      = errors.New("authz: invalid or expired bearer token")
	ErrInvalidCredential = errors.New("authz: invalid username or password")
)

// Claims is the JWT payload recognized by NewJWTAuthorizer.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// NewJWTAuthorizer returns an Authorizer that requires a bearer token
// signed with secret (HS256). Any well-formed, unexpired token authorizes
// both Read and Write; callers needing finer-grained scopes should wrap
// the returned Authorizer.
func NewJWTAuthorizer(secret []byte) Authorizer {
	return func(ctx context.Context, repo string, op Operation) (bool, error) {
		creds, ok := credentialsFrom(ctx)
		if !ok || creds.bearerToken == "" {
			return false, ErrMissingCredential
		}
		token, err := jwt.ParseWithClaims(creds.bearerToken, &Claims{}, func(t *jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return false, ErrInvalidToken
			}
			return false, ErrInvalidToken
		}
		if !token.Valid {
			return false, ErrInvalidToken
		}
		return true, nil
	}
}

// IssueToken signs a bearer token for subject, valid for duration, using
// secret. It is a convenience for tests and CLI tooling that need to mint
// tokens accepted by NewJWTAuthorizer; the Smart HTTP service never calls
// it itself.
func IssueToken(secret []byte, subject string, duration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// NewBasicAuthorizer returns an Authorizer that requires HTTP Basic
// credentials matching one of users, a map of username to bcrypt hash.
func NewBasicAuthorizer(users map[string]string) Authorizer {
	return func(ctx context.Context, repo string, op Operation) (bool, error) {
		creds, ok := credentialsFrom(ctx)
		if !ok || !creds.hasBasic {
			return false, ErrMissingCredential
		}
		hash, known := users[creds.basicUser]
		if !known {
			return false, ErrInvalidCredential
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(creds.basicPass)); err != nil {
			return false, ErrInvalidCredential
		}
		return true, nil
	}
}

// HashPassword bcrypt-hashes password at the default cost, for populating
// auth.basic_users in configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
