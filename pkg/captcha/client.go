// Package captcha solves CAPTCHA challenges via an external solver API:
// post the challenge, poll for a solved token.
package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client talks to an external CAPTCHA-solving service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a CAPTCHA solver client. apiKey is required; no solver accepts
// anonymous requests.
func New(baseURL, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("captcha: api key is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("captcha: base URL is required")
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Submit posts a screenshot for solving and returns a task id to poll.
func (c *Client) Submit(ctx context.Context, screenshot []byte) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(screenshot),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", errorFromBody(resp)
	}
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("captcha: decode submit response: %w", err)
	}
	return body.TaskID, nil
}

// Poll checks whether a submitted task has a solved token yet. ready is
// false while the solver is still working.
func (c *Client) Poll(ctx context.Context, taskID string) (token string, ready bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, reqErr := c.httpClient.Do(req)
	if reqErr != nil {
		return "", false, reqErr
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", false, errorFromBody(resp)
	}
	var body struct {
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, fmt.Errorf("captcha: decode poll response: %w", err)
	}
	if body.Status != "solved" {
		return "", false, nil
	}
	return body.Token, true, nil
}

func errorFromBody(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	msg := errResp.Error
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("captcha: %s", msg)
}

// Solve submits a screenshot and polls until a token is ready or ctx is
// done.
func (c *Client) Solve(ctx context.Context, screenshot []byte, pollInterval time.Duration) (string, error) {
	taskID, err := c.Submit(ctx, screenshot)
	if err != nil {
		return "", err
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			token, ready, err := c.Poll(ctx, taskID)
			if err != nil {
				return "", err
			}
			if ready {
				return token, nil
			}
		}
	}
}
