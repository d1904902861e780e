package github

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/helios/internal/domain"
	"github.com/splax/helios/internal/repository"
	"github.com/splax/helios/pkg/crypto"
)

// PermissionResolver answers permission questions by local id, translating to the
// repository full name and user login GitHub expects.
type PermissionResolver struct {
	Client *Client
	Repos  repository.RepoRepository
	Users  repository.UserRepository
}

// Permission implements lock.PermissionLookup.
func (r PermissionResolver) Permission(ctx context.Context, repositoryID, userID int64) (domain.Permission, error) {
	repo, err := r.Repos.GetRepository(ctx, repositoryID)
	if err != nil {
		return "", fmt.Errorf("resolve repository %d: %w", repositoryID, err)
	}
	user, err := r.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.PermissionNone, nil
		}
		return "", fmt.Errorf("resolve user %d: %w", userID, err)
	}
	return r.Client.GetPermission(ctx, repo.FullName, user.Login)
}

// TokenVault stores user access tokens encrypted at rest.
type TokenVault struct {
	users  repository.UserRepository
	secret string
	now    func() time.Time
}

// NewTokenVault constructs a vault sealing tokens with secret.
func NewTokenVault(users repository.UserRepository, secret string) TokenVault {
	return TokenVault{users: users, secret: secret, now: func() time.Time { return time.Now().UTC() }}
}

// Store encrypts and saves token for userID.
func (v TokenVault) Store(ctx context.Context, userID int64, token string, expiresAt *time.Time) error {
	sealed, err := crypto.EncryptString(v.secret, token)
	if err != nil {
		return fmt.Errorf("encrypt user token: %w", err)
	}
	return v.users.UpsertUserToken(ctx, domain.UserToken{
		UserID:    userID,
		Token:     sealed,
		ExpiresAt: expiresAt,
		UpdatedAt: v.now(),
	})
}

// Token returns the plaintext token of userID, or NOT_FOUND when none is stored or it expired.
func (v TokenVault) Token(ctx context.Context, userID int64) (string, error) {
	stored, err := v.users.GetUserToken(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", domain.Errorf(domain.CodeNotFound, "no token stored for user %d", userID)
		}
		return "", err
	}
	if stored.ExpiresAt != nil && !stored.ExpiresAt.After(v.now()) {
		return "", domain.Errorf(domain.CodeNotFound, "token for user %d expired", userID)
	}
	plain, err := crypto.DecryptToString(v.secret, stored.Token)
	if err != nil {
		return "", fmt.Errorf("decrypt user token: %w", err)
	}
	return plain, nil
}
