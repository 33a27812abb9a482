package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/backend/internal/config"
)

// Refresher 在令牌进入刷新窗口时，通过全局刷新锁串行化地换新令牌。
type Refresher struct {
	creds       *Credentials
	cfg         *config.OAuthConfig
	coordinator *Coordinator
	client      *http.Client
	log         *zap.Logger

	mu    sync.RWMutex
	token *Token
}

// NewRefresher 创建令牌刷新器
func NewRefresher(creds *Credentials, token *Token, cfg *config.OAuthConfig, coordinator *Coordinator, log *zap.Logger) *Refresher {
	return &Refresher{
		creds:       creds,
		cfg:         cfg,
		coordinator: coordinator,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		token:       token,
	}
}

// Token 返回当前令牌快照
func (r *Refresher) Token() *Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := *r.token
	return &clone
}

// Run 周期性检查令牌有效期，进入刷新窗口就换新，直到 ctx 取消。
func (r *Refresher) Run(ctx context.Context) error {
	interval := r.cfg.RefreshMargin / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("token refresher started", zap.Duration("check_interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("token refresher stopped")
			return nil
		case <-ticker.C:
			if err := r.RefreshIfNeeded(ctx); err != nil {
				r.log.Error("token refresh failed", zap.Error(err))
			}
		}
	}
}

// RefreshIfNeeded 令牌仍然新鲜则直接返回，否则在刷新锁内换新。
//
// 锁内二次检查有效期: 等锁期间别的实例可能已经刷新完，
// 此时直接复用结果，不再打一次令牌端点。
func (r *Refresher) RefreshIfNeeded(ctx context.Context) error {
	if !r.Token().NeedsRefresh(r.cfg.RefreshMargin) {
		return nil
	}

	traceID := uuid.NewString()[:8]
	return r.coordinator.WithRefreshLock(ctx, traceID, func(ctx context.Context) error {
		if stored, err := LoadToken(r.cfg); err == nil && !stored.NeedsRefresh(r.cfg.RefreshMargin) {
			r.mu.Lock()
			r.token = stored
			r.mu.Unlock()
			r.log.Debug("token already refreshed elsewhere", zap.String("trace_id", traceID))
			return nil
		}
		return r.refresh(ctx, traceID)
	})
}

// refresh 用 refresh token 换新的 access token
func (r *Refresher) refresh(ctx context.Context, traceID string) error {
	current := r.Token()

	form := url.Values{
		"client_id":     {r.creds.ClientID},
		"client_secret": {r.creds.ClientSecret},
		"refresh_token": {current.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.creds.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}

	next := &Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: current.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	// 部分提供方会轮换 refresh token
	if payload.RefreshToken != "" {
		next.RefreshToken = payload.RefreshToken
	}

	r.mu.Lock()
	r.token = next
	r.mu.Unlock()

	if err := SaveToken(r.cfg, next); err != nil {
		r.log.Warn("failed to persist refreshed token", zap.Error(err))
	}

	r.log.Info("access token refreshed",
		zap.String("trace_id", traceID),
		zap.Time("expiry", next.Expiry),
	)
	return nil
}
