package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"imbridge/pkg/logger"
)

const (
	qqTokenEndpoint = "https://bots.qq.com/app/getAppAccessToken"

	// refresh this long before the platform expiry so in-flight requests
	// never race the token's death
	qqTokenMargin = 5 * time.Minute
)

// qqTokenSource caches the app access token. Concurrent callers that miss the
// cache collapse into a single upstream request via singleflight; everyone
// gets the same token or the same error.
type qqTokenSource struct {
	appID      string
	secret     string
	endpoint   string
	httpClient *http.Client
	nowFunc    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func newQQTokenSource(appID, secret string) *qqTokenSource {
	return &qqTokenSource{
		appID:      appID,
		secret:     secret,
		endpoint:   qqTokenEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		nowFunc:    time.Now,
	}
}

// Token returns a cached access token, fetching a fresh one when the cache is
// empty or inside the refresh margin.
func (s *qqTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.nowFunc().Before(s.expiresAt.Add(-qqTokenMargin)) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("token", func() (interface{}, error) {
		// a racer may have refreshed while we queued
		s.mu.Lock()
		if s.token != "" && s.nowFunc().Before(s.expiresAt.Add(-qqTokenMargin)) {
			token := s.token
			s.mu.Unlock()
			return token, nil
		}
		s.mu.Unlock()
		return s.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token. Called when the API answers 401 so the
// next caller fetches a fresh one instead of replaying the dead token.
func (s *qqTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

func (s *qqTokenSource) fetch(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"appId":        s.appID,
		"clientSecret": s.secret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("access token endpoint returned status %d", resp.StatusCode)
	}

	var result struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"` // the platform sends this as a string
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode access token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("access token endpoint returned empty token")
	}

	ttl := 7200 * time.Second
	if secs, err := result.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	s.mu.Lock()
	s.token = result.AccessToken
	s.expiresAt = s.nowFunc().Add(ttl)
	s.mu.Unlock()

	logger.DebugCF("qq", "Access token refreshed", map[string]interface{}{
		"ttl": ttl.String(),
	})
	return result.AccessToken, nil
}
