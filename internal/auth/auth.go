// Package auth turns an incoming request into a models.Actor. It never
// issues credentials; identities come from the storefront's login service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/safar/storefront-fulfilment/internal/models"
)

var ErrNoCredentials = errors.New("no credentials presented")

type Authenticator interface {
	Authenticate(r *http.Request) (models.Actor, error)
}

// HeaderAuthenticator trusts identity headers set by an upstream gateway
// that has already authenticated the caller.
type HeaderAuthenticator struct{}

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

func (HeaderAuthenticator) Authenticate(r *http.Request) (models.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return models.Actor{}, ErrNoCredentials
	}
	return models.Actor{
		UserID: id,
		Role:   parseRole(r.Header.Get(HeaderUserRole)),
		Email:  r.Header.Get(HeaderUserEmail),
		Name:   r.Header.Get(HeaderUserName),
	}, nil
}

type Claims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (models.Actor, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return models.Actor{}, ErrNoCredentials
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return models.Actor{}, errors.New("expected 'Bearer <token>'")
	}

	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(parts[1], claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return models.Actor{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return models.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return models.Actor{}, errors.New("token subject is required")
	}

	return models.Actor{
		UserID: claims.Subject,
		Role:   parseRole(claims.Role),
		Email:  claims.Email,
		Name:   claims.Name,
	}, nil
}

// parseRole defaults anything unrecognised to customer.
func parseRole(s string) models.Role {
	if strings.EqualFold(strings.TrimSpace(s), string(models.RoleAdmin)) {
		return models.RoleAdmin
	}
	return models.RoleCustomer
}

type actorKey struct{}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the request's actor, or the zero Actor for anonymous
// requests. Operations reject the zero Actor themselves.
func ActorFrom(ctx context.Context) models.Actor {
	actor, _ := ctx.Value(actorKey{}).(models.Actor)
	return actor
}

// Middleware attaches the authenticated actor to the request context.
// Requests without credentials pass through anonymously; requests with bad
// credentials are handed to reject.
func Middleware(a Authenticator, reject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := a.Authenticate(r)
			switch {
			case errors.Is(err, ErrNoCredentials):
				next.ServeHTTP(w, r)
			case err != nil:
				reject(w, r, err)
			default:
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
			}
		})
	}
}
