package client

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/abjerry97/duespay/api"
)

type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type TokenStore interface {
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, tokens Tokens) error
	Clear(ctx context.Context) error
}

type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens Tokens
}

func NewMemoryTokenStore(tokens Tokens) *MemoryTokenStore {
	return &MemoryTokenStore{tokens: tokens}
}

func (m *MemoryTokenStore) Load(context.Context) (Tokens, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens, nil
}

func (m *MemoryTokenStore) Save(_ context.Context, tokens Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	return nil
}

func (m *MemoryTokenStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = Tokens{}
	return nil
}

type RefreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

// RefreshingTokenSource hands out access tokens from a store and refreshes
// them on demand. Concurrent refreshes collapse into one call.
type RefreshingTokenSource struct {
	store   TokenStore
	refresh RefreshFunc
	leeway  time.Duration
	timeout time.Duration
	group   singleflight.Group
	now     func() time.Time
}

func NewRefreshingTokenSource(store TokenStore, refresh RefreshFunc) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		store:   store,
		refresh: refresh,
		leeway:  30 * time.Second,
		timeout: DefaultTimeouts.Refresh,
		now:     time.Now,
	}
}

func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	tokens, err := s.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if tokens.Access != "" && tokens.Refresh != "" && s.expiresSoon(tokens.Access) {
		fresh, err := s.Refresh(ctx, tokens.Access)
		if err != nil && !api.IsKind(err, api.ErrAuth) {
			// still valid for a little while
			return tokens.Access, nil
		}
		return fresh, err
	}
	return tokens.Access, nil
}

// Refresh replaces stale with a fresh access token. When another caller has
// already replaced stale, the stored token is returned without a new refresh.
func (s *RefreshingTokenSource) Refresh(ctx context.Context, stale string) (string, error) {
	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		// Detached so one caller going away does not fail the others.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.doRefresh(refreshCtx, stale)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *RefreshingTokenSource) doRefresh(ctx context.Context, stale string) (string, error) {
	tokens, err := s.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if tokens.Access != "" && tokens.Access != stale {
		return tokens.Access, nil
	}
	if tokens.Refresh == "" {
		return "", s.expire(ctx)
	}

	fresh, err := s.refresh(ctx, tokens.Refresh)
	if err != nil {
		if api.IsKind(err, api.ErrTimeout) || api.IsKind(err, api.ErrNetwork) {
			return "", err
		}
		log.WithError(err).Warn("token refresh rejected, clearing session")
		return "", s.expire(ctx)
	}
	if fresh.Refresh == "" {
		fresh.Refresh = tokens.Refresh
	}
	if err := s.store.Save(ctx, fresh); err != nil {
		return "", err
	}
	return fresh.Access, nil
}

func (s *RefreshingTokenSource) expire(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		log.WithError(err).Error("failed to clear token store")
	}
	apiErr := api.NewError(api.ErrAuth, "")
	apiErr.SessionExpired = true
	return apiErr
}

// expiresSoon reads the exp claim without verifying the signature. Opaque
// tokens are never considered expiring.
func (s *RefreshingTokenSource) expiresSoon(access string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(s.now().Add(s.leeway))
}
