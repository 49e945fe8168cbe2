package tools

import (
	"context"

	"github.com/pocketmind/pocketmind/pkg/models"
)

type contextKey string

const sessionKey contextKey = "tools.session"

// WithSession binds the session a tool invocation belongs to. The
// scheduler injects virtual sessions here so channel tools work for
// scheduled runs too.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext returns the bound session, if any.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*models.Session)
	return s, ok && s != nil
}
