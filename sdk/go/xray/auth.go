package xray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/xray/internal/model"
)

// tokenManager exchanges the API key for bearer tokens and refreshes them
// shortly before they expire. It is safe for concurrent use.
type tokenManager struct {
	baseURL    string
	apiKey     string
	clientName string
	client     *http.Client
	margin     time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, apiKey, clientName string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:    baseURL,
		apiKey:     apiKey,
		clientName: clientName,
		client:     client,
		margin:     30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}

	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(model.AuthTokenRequest{APIKey: tm.apiKey, Client: tm.clientName})
	if err != nil {
		return fmt.Errorf("xray: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("xray: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("xray: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("xray: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp.StatusCode, data)
	}

	var out model.AuthTokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("xray: decode auth response: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("xray: auth response carried no token")
	}

	tm.token = out.Token
	tm.expiresAt = out.ExpiresAt
	return nil
}
