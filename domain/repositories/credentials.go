package repositories

import "context"

// CredentialKind says which query parameter carries the token
type CredentialKind string

const (
	CredentialAPIToken  CredentialKind = "apiToken"
	CredentialAuthToken CredentialKind = "authToken"
)

// Credential is a resolved token ready to put on the connection URL
type Credential struct {
	Kind  CredentialKind
	Token string
}

// CredentialSource resolves the token for a new session
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// TokenRefresher exchanges an expired user token for a fresh one
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}
