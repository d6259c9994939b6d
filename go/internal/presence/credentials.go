//go:generate go run go.uber.org/mock/mockgen -source=credentials.go -destination=mocks/mock_credentials.go -package=mocks

package presence

import (
	"context"
	"time"
)

// Credentials is the identity and token handed out by the credential
// provider for one session.
type Credentials struct {
	IdentityID string
	Token      string
	ExpiresAt  time.Time
}

// Expired reports whether the credentials are past their expiry. A zero
// ExpiresAt never expires.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialProvider supplies the current credentials, if any.
type CredentialProvider interface {
	CurrentCredentials(ctx context.Context) (Credentials, bool)
}

// StaticCredentials always returns the same credentials.
type StaticCredentials struct {
	Creds Credentials
}

func (s StaticCredentials) CurrentCredentials(ctx context.Context) (Credentials, bool) {
	return s.Creds, s.Creds.IdentityID != ""
}
