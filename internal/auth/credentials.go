package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/repositories"
)

const (
	// AccessTokenKey is where the user access token lives in the key-value store
	AccessTokenKey = "accessToken"

	// DefaultRefreshSkew refreshes tokens this long before they expire
	DefaultRefreshSkew = 30 * time.Second
)

var (
	// ErrNoCredentials is returned when neither an API token nor a user token is configured
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrSessionExpired is returned when the user token is gone and cannot be refreshed
	ErrSessionExpired = errors.New("session expired, please log in again")
)

// StaticTokenSource always resolves to the same token
type StaticTokenSource struct {
	cred repositories.Credential
}

var _ repositories.CredentialSource = (*StaticTokenSource)(nil)

// NewStaticTokenSource creates a source for a fixed token
func NewStaticTokenSource(kind repositories.CredentialKind, token string) *StaticTokenSource {
	return &StaticTokenSource{cred: repositories.Credential{Kind: kind, Token: token}}
}

// Credential implements repositories.CredentialSource
func (s *StaticTokenSource) Credential(ctx context.Context) (repositories.Credential, error) {
	if s.cred.Token == "" {
		return repositories.Credential{}, ErrNoCredentials
	}
	return s.cred, nil
}

// RefreshableTokenSource reads the user token from the store and refreshes it when it
// is missing or about to expire
type RefreshableTokenSource struct {
	store     repositories.KeyValueStore
	refresher repositories.TokenRefresher
	skew      time.Duration
	now       func() time.Time
	logger    *zap.Logger

	// serializes refreshes
	mu sync.Mutex
}

var _ repositories.CredentialSource = (*RefreshableTokenSource)(nil)

// NewRefreshableTokenSource creates a source backed by store. refresher may be nil, in
// which case an expired token fails with ErrSessionExpired.
func NewRefreshableTokenSource(store repositories.KeyValueStore, refresher repositories.TokenRefresher, skew time.Duration, logger *zap.Logger) *RefreshableTokenSource {
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &RefreshableTokenSource{
		store:     store,
		refresher: refresher,
		skew:      skew,
		now:       time.Now,
		logger:    logger,
	}
}

// Credential implements repositories.CredentialSource
func (s *RefreshableTokenSource) Credential(ctx context.Context) (repositories.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.store.Get(AccessTokenKey)
	if ok && token != "" && !s.expiring(token) {
		return repositories.Credential{Kind: repositories.CredentialAuthToken, Token: token}, nil
	}

	if s.refresher == nil {
		return repositories.Credential{}, ErrSessionExpired
	}

	fresh, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh access token", zap.Error(err))
		return repositories.Credential{}, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	if fresh == "" {
		return repositories.Credential{}, ErrSessionExpired
	}

	s.store.Set(AccessTokenKey, fresh)
	s.logger.Info("Access token refreshed")
	return repositories.Credential{Kind: repositories.CredentialAuthToken, Token: fresh}, nil
}

// expiring reports whether a JWT is within the skew window of its exp claim. Opaque
// tokens are used as-is and left for the backend to reject.
func (s *RefreshableTokenSource) expiring(token string) bool {
	exp, err := TokenExpiry(token)
	if err != nil || exp.IsZero() {
		return false
	}
	return !s.now().Add(s.skew).Before(exp)
}

// SigningRefresher mints fresh tokens locally. Used against the mock backend, which
// shares the secret.
type SigningRefresher struct {
	Secret      []byte
	UserID      string
	WorkspaceID string
	TTL         time.Duration
}

var _ repositories.TokenRefresher = (*SigningRefresher)(nil)

// Refresh implements repositories.TokenRefresher
func (r *SigningRefresher) Refresh(ctx context.Context) (string, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return GenerateUserToken(r.Secret, r.UserID, r.WorkspaceID, ttl)
}

// NewSource picks the credential source for a session. A static API token takes
// precedence over the user token kept in store.
func NewSource(apiToken string, store repositories.KeyValueStore, refresher repositories.TokenRefresher, logger *zap.Logger) repositories.CredentialSource {
	if apiToken != "" {
		return NewStaticTokenSource(repositories.CredentialAPIToken, apiToken)
	}
	if store != nil {
		return NewRefreshableTokenSource(store, refresher, DefaultRefreshSkew, logger)
	}
	return NewStaticTokenSource(repositories.CredentialAPIToken, "")
}
