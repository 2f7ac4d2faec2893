// Package auth resolves the authenticated caller of a request.
//
// The session is attached to the context by the transport layer after the
// token and the server-side session record have both been verified.
// Operations that need an identity call Caller and never look anywhere else.
package auth

import (
	"context"

	"payments-ledger/internal/core/domain"
	"payments-ledger/pkg/apperror"
)

type sessionKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *domain.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session attached to ctx, if any.
func SessionFrom(ctx context.Context) (*domain.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*domain.Session)
	return s, ok && s != nil
}

// Caller returns the account of the authenticated caller, or
// Unauthenticated when ctx carries no session.
func Caller(ctx context.Context) (*domain.Account, error) {
	s, ok := SessionFrom(ctx)
	if !ok || s.Account.Email == "" {
		return nil, apperror.ErrUnauthenticated()
	}
	acc := s.Account
	return &acc, nil
}
