package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/model"
)

const principalKey = "auth_principal"

var ErrInvalidToken = errors.New("invalid token")

type claims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and parses HS256 bearer tokens carrying the
// principal id in sub and its role in role.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// IssueToken signs a token for principal valid for ttl.
func (a *Authenticator) IssueToken(principal model.Principal, ttl time.Duration) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) ParseToken(tokenStr string) (model.Principal, error) {
	c := &claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return model.Principal{}, ErrInvalidToken
	}

	switch c.Role {
	case model.RoleUser, model.RolePublisher, model.RoleAdvertiser, model.RoleAdmin:
	default:
		return model.Principal{}, ErrInvalidToken
	}
	if c.Subject == "" {
		return model.Principal{}, ErrInvalidToken
	}
	return model.Principal{ID: c.Subject, Role: c.Role}, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// principal for handlers.
func (a *Authenticator) RequireAuth(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !found || token == "" {
			apierror.Respond(c, apierror.Unauthorized("missing bearer token"), log)
			return
		}

		principal, err := a.ParseToken(token)
		if err != nil {
			log.Debug("rejected bearer token", "path", c.FullPath(), "error", err)
			apierror.Respond(c, apierror.Unauthorized("invalid bearer token"), log)
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole must run after RequireAuth.
func RequireRole(log *logger.Logger, roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, _ := PrincipalFrom(c)
		for _, role := range roles {
			if principal.Role == role {
				c.Next()
				return
			}
		}
		apierror.Respond(c, apierror.Forbidden("insufficient role"), log)
	}
}

func PrincipalFrom(c *gin.Context) (model.Principal, bool) {
	if value, ok := c.Get(principalKey); ok {
		if principal, ok := value.(model.Principal); ok {
			return principal, true
		}
	}
	return model.Principal{}, false
}
