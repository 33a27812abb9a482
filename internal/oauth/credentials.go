package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"courier/backend/internal/config"
)

const (
	// credentialsEnvVar 优先于文件的 base64 编码凭证（生产环境用）
	credentialsEnvVar = "COURIER_OAUTH_CREDENTIALS_B64"
	// tokenEnvVar 优先于文件的 base64 编码令牌
	tokenEnvVar = "COURIER_OAUTH_TOKEN_B64"
)

// Credentials OAuth 客户端凭证
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURI     string `json:"token_uri"`
}

// Token 访问令牌及其过期时间
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// NeedsRefresh 令牌是否进入刷新窗口
func (t *Token) NeedsRefresh(margin time.Duration) bool {
	if t.AccessToken == "" {
		return true
	}
	return time.Now().Add(margin).After(t.Expiry)
}

// LoadCredentials 加载 OAuth 客户端凭证。
//
// 优先级: 环境变量（base64 编码 JSON）> 本地文件。
// 文件路径只用于本地开发，生产环境读到文件会记警告。
func LoadCredentials(cfg *config.OAuthConfig, log *zap.Logger) (*Credentials, error) {
	if encoded := os.Getenv(credentialsEnvVar); encoded != "" {
		return decodeCredentials(encoded)
	}

	if cfg.CredentialsPath == "" {
		return nil, fmt.Errorf("OAuth credentials not configured: set %s or oauth.credentials_path", credentialsEnvVar)
	}

	if os.Getenv("GO_ENV") == "production" {
		log.Warn("loading OAuth credentials from file in production, prefer the environment variable",
			zap.String("path", cfg.CredentialsPath),
		)
	}

	data, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read OAuth credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse OAuth credentials: %w", err)
	}
	return &creds, nil
}

// LoadToken 加载访问令牌，优先级与凭证相同。
func LoadToken(cfg *config.OAuthConfig) (*Token, error) {
	if encoded := os.Getenv(tokenEnvVar); encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", tokenEnvVar, err)
		}
		var token Token
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, fmt.Errorf("failed to parse OAuth token: %w", err)
		}
		return &token, nil
	}

	if cfg.TokenPath == "" {
		return nil, fmt.Errorf("OAuth token not configured: set %s or oauth.token_path", tokenEnvVar)
	}

	data, err := os.ReadFile(cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read OAuth token file: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse OAuth token: %w", err)
	}
	return &token, nil
}

// SaveToken 把刷新后的令牌写回文件（仅本地开发路径）。
func SaveToken(cfg *config.OAuthConfig, token *Token) error {
	if cfg.TokenPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.TokenPath, data, 0600)
}

func decodeCredentials(encoded string) (*Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", credentialsEnvVar, err)
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse OAuth credentials: %w", err)
	}
	return &creds, nil
}
