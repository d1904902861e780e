package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/splax/helios/pkg/jwt"
)

// refreshBefore renews an installation token this long before it expires.
const refreshBefore = 5 * time.Minute

// AppTokenSource exchanges a GitHub App JWT for installation tokens and caches them.
type AppTokenSource struct {
	client         *Client
	appID          string
	installationID int64
	key            *rsa.PrivateKey
	now            func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAppTokenSource builds a token source for installationID. client is used only for the
// exchange call and may be the same Client the source is later attached to.
func NewAppTokenSource(client *Client, appID string, installationID int64, pemKey []byte) (*AppTokenSource, error) {
	key, err := jwt.ParsePrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	if appID == "" || installationID <= 0 {
		return nil, fmt.Errorf("github app id and installation id required")
	}
	return &AppTokenSource{
		client:         client,
		appID:          appID,
		installationID: installationID,
		key:            key,
		now:            time.Now,
	}, nil
}

// Token implements TokenSource.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Add(refreshBefore).Before(s.expires) {
		return s.token, nil
	}
	appJWT, _, err := jwt.GenerateAppToken(s.appID, s.key, now)
	if err != nil {
		return "", fmt.Errorf("sign app token: %w", err)
	}
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", s.installationID)
	if err := s.client.do(ctx, http.MethodPost, path, nil, appJWT, &resp); err != nil {
		return "", err
	}
	s.token = resp.Token
	s.expires = resp.ExpiresAt
	return s.token, nil
}
