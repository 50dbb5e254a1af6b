package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

// Claims are the JWT claims accepted by the chat service. Subject carries the
// user id and Id the token id checked against the revocation list.
type Claims struct {
	jwt.StandardClaims
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type JWTValidator struct {
	signingKey []byte
	revoker    Revoker
}

// NewJWTValidator returns a validator for HS256 tokens signed with key.
// revoker may be nil.
func NewJWTValidator(key []byte, revoker Revoker) *JWTValidator {
	return &JWTValidator{
		signingKey: key,
		revoker:    revoker,
	}
}

func (v *JWTValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	return v.signingKey, nil
}

func (v *JWTValidator) Validate(ctx context.Context, tokenString string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	if tokenString == "" {
		return Identity{}, ErrInvalidCredential
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc)
	if err != nil {
		var verr *jwt.ValidationError
		// only a token that is otherwise valid is reported as expired
		if errors.As(err, &verr) && verr.Errors == jwt.ValidationErrorExpired {
			return Identity{}, ErrExpiredCredential
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if !token.Valid || claims.Subject == "" || claims.ExpiresAt == 0 {
		return Identity{}, ErrInvalidCredential
	}

	if len(claims.Roles) == 0 {
		return Identity{}, fmt.Errorf("%w: no roles", ErrInvalidCredential)
	}

	roles := make([]Role, 0, len(claims.Roles))
	for _, name := range claims.Roles {
		role, ok := ParseRole(name)
		if !ok {
			return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidCredential, name)
		}
		roles = append(roles, role)
	}

	if v.revoker != nil && v.revoker.Revoked(claims.Id, claims.Subject) {
		return Identity{}, fmt.Errorf("%w: revoked", ErrInvalidCredential)
	}

	return Identity{
		UserId:  claims.Subject,
		Name:    claims.Name,
		Roles:   roles,
		TokenId: claims.Id,
	}, nil
}

// Issuer mints tokens the JWTValidator accepts.
type Issuer struct {
	signingKey []byte
	now        func() time.Time
}

func NewIssuer(key []byte) *Issuer {
	return &Issuer{signingKey: key, now: time.Now}
}

func (i *Issuer) Issue(userId, name string, roles []Role, ttl time.Duration) (string, error) {
	now := i.now()
	names := make([]string, len(roles))
	for idx, r := range roles {
		names[idx] = string(r)
	}

	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.NewString(),
			Subject:   userId,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
		Name:  name,
		Roles: names,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}
