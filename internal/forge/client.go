// Package forge is a minimal REST client for the code-forge's pull
// request comment API, authenticated as a GitHub-App-style
// installation via a short-lived RS256 JWT.
package forge

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/riftline/previewctl/pkg/jwt"
)

// Client posts best-effort status comments to pull requests. Comment
// failures are never fatal to the build/destroy pipeline (§7:
// comment-failed is a warning).
type Client struct {
	baseURL    string
	appID      string
	signingKey *rsa.PrivateKey
	httpClient *http.Client
}

// New constructs a Client. appID and signingKey authenticate as the
// installed GitHub App; baseURL defaults to the public API origin.
func New(baseURL, appID string, signingKey *rsa.PrivateKey, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		baseURL:    baseURL,
		appID:      appID,
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// UpsertComment posts a new comment to repoFullName's pull request
// number pr, marked with a hidden marker so a future call amends it in
// place instead of spamming the thread with duplicates.
func (c *Client) UpsertComment(ctx context.Context, repoFullName string, pr int, body string) error {
	if c.signingKey == nil || c.appID == "" {
		return fmt.Errorf("forge: client not configured with app credentials")
	}
	token, err := jwt.MintAppToken(c.appID, c.signingKey, 8*time.Minute)
	if err != nil {
		return fmt.Errorf("forge: mint app token: %w", err)
	}

	existing, err := c.findMarkedComment(ctx, token, repoFullName, pr)
	if err != nil {
		return err
	}
	if existing != 0 {
		return c.patchComment(ctx, token, repoFullName, existing, body)
	}
	return c.createComment(ctx, token, repoFullName, pr, body)
}

const commentMarker = "<!-- previewctl:status -->"

type ghComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

func (c *Client) findMarkedComment(ctx context.Context, token, repoFullName string, pr int) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments?per_page=50", c.baseURL, repoFullName, pr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("forge: list comments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("forge: list comments: status %d", resp.StatusCode)
	}
	var comments []ghComment
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return 0, fmt.Errorf("forge: decode comment list: %w", err)
	}
	for _, comment := range comments {
		if len(comment.Body) >= len(commentMarker) && comment.Body[:len(commentMarker)] == commentMarker {
			return comment.ID, nil
		}
	}
	return 0, nil
}

func (c *Client) createComment(ctx context.Context, token, repoFullName string, pr int, body string) error {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repoFullName, pr)
	return c.send(ctx, http.MethodPost, url, token, body)
}

func (c *Client) patchComment(ctx context.Context, token, repoFullName string, commentID int64, body string) error {
	url := fmt.Sprintf("%s/repos/%s/issues/comments/%d", c.baseURL, repoFullName, commentID)
	return c.send(ctx, http.MethodPatch, url, token, body)
}

func (c *Client) send(ctx context.Context, method, url, token, body string) error {
	payload, err := json.Marshal(map[string]string{"body": commentMarker + "\n" + body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forge: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("forge: %s %s: status %d: %s", method, url, resp.StatusCode, string(detail))
	}
	return nil
}

func (c *Client) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
}
