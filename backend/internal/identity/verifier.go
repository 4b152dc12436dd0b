package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrUnauthenticated = errors.New("AUTHENTICATION_FAILURE")

// Claims 认证通过后得到的身份。Type 只认 "access"。
type Claims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"`
}

// Verifier 令牌校验面。本地验签和远程 auth 服务都实现它，
// 接入层不关心用的是哪种。
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// HTTPVerifier 把校验转发给独立的 auth 服务。
// baseURL 不要带路径：这里自己拼 /v1/auth/verify，否则容易拼出双斜杠。
type HTTPVerifier struct {
	verifyURL string
	client    *http.Client
}

func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
		client:    &http.Client{Timeout: 1200 * time.Millisecond},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Claims{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		return Claims{}, fmt.Errorf("auth upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Claims{}, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return Claims{}, fmt.Errorf("auth upstream: status %d", resp.StatusCode)
	}

	var claims Claims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Claims{}, fmt.Errorf("auth upstream: invalid verify response: %w", err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Claims{}, ErrUnauthenticated
	}
	return claims, nil
}
