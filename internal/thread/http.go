package thread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/medvoice/internal/auth"
	"github.com/dmitrijs2005/medvoice/internal/models"
)

// HTTPClient is a JSON-over-HTTP implementation of Client against the hosted
// backend's REST surface.
type HTTPClient struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, tokens auth.TokenSource) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, tokens: tokens, httpClient: &http.Client{}}
}

func (c *HTTPClient) CreateMessage(ctx context.Context, conversationID string, msg *models.ThreadMessage) (string, error) {

	var out struct {
		ID string `json:"id"`
	}

	url := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, conversationID)
	if err := c.do(ctx, http.MethodPost, url, msg, &out); err != nil {
		return "", fmt.Errorf("failed to create thread message: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("thread service returned no message id")
	}
	return out.ID, nil
}

func (c *HTTPClient) UpdateMessageMetadata(ctx context.Context, messageID string, patch map[string]any) error {
	url := fmt.Sprintf("%s/messages/%s/metadata", c.baseURL, messageID)
	if err := c.do(ctx, http.MethodPatch, url, patch, nil); err != nil {
		return fmt.Errorf("failed to update thread message: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, in, out any) error {

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %s; body: %s", resp.Status, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
