package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxIdentity ctxKey = iota

// Identity is the authenticated caller.
type Identity struct {
	AgentID        string
	OrganizationID string
	SessionID      string
	Role           string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

func identity(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxIdentity).(Identity)
	return id
}

func AgentID(ctx context.Context) (string, error) {
	if s := identity(ctx).AgentID; s != "" {
		return s, nil
	}
	return "", errors.New("agent_id not in context")
}

func OrganizationID(ctx context.Context) (string, error) {
	if s := identity(ctx).OrganizationID; s != "" {
		return s, nil
	}
	return "", errors.New("organization_id not in context")
}

// SessionID is the agent session the caller acts as.
func SessionID(ctx context.Context) (string, error) {
	if s := identity(ctx).SessionID; s != "" {
		return s, nil
	}
	return "", errors.New("agent_session_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if s := identity(ctx).Role; s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
