package auth

import (
	"context"
	"errors"
	"slices"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleExpert    Role = "expert"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleRequester, RoleExpert:
		return r, true
	default:
		return "", false
	}
}

// Identity is the verified result of a credential. It is never partially
// populated: validators return either a complete Identity or an error.
type Identity struct {
	UserId  string
	Name    string
	Roles   []Role
	TokenId string
}

func (i Identity) HasRole(r Role) bool {
	return slices.Contains(i.Roles, r)
}

type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
