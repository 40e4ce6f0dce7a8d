package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Every token is bound to one agent session; SessionID is the agent_session_id
// that claims accounts and owns calls. OrganizationID scopes all data access.
type Claims struct {
	jwt.RegisteredClaims

	AgentID        string    `json:"agent_id"`
	OrganizationID string    `json:"organization_id"`
	SessionID      string    `json:"agent_session_id"`
	Role           string    `json:"role"`
	TokenType      TokenType `json:"token_type"`
}
