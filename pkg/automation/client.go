// Package automation speaks HTTP to the per-device automation agent's
// W3C-WebDriver-compatible surface.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sovi/internal/servicetoken"
)

// AppState mirrors the agent's application-state enum.
type AppState int

const (
	AppNotRunning AppState = 1
	AppBackground AppState = 2
	AppSuspended  AppState = 3
	AppForeground AppState = 4
)

// LookupStrategy is the element lookup strategy, tried in preferred order.
type LookupStrategy string

const (
	StrategyAccessibilityID LookupStrategy = "accessibility id"
	StrategyPredicateString LookupStrategy = "predicate string"
	StrategyClassChain      LookupStrategy = "class chain"
	StrategyXPath           LookupStrategy = "xpath"
)

// Error is returned for any non-2xx response from the agent.
type Error struct {
	Code   string
	Op     string
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("automation: %s failed with status %d (%s)", e.Op, e.Status, e.Code)
}

// Client talks to one device's automation agent over HTTP. It holds two
// distinct *http.Client values because agent response time distributes
// bimodally: gestures are fast, heavy reads (page source, screenshots) are
// slow.
type Client struct {
	baseURL       string
	signer        *servicetoken.Signer
	gestureClient *http.Client
	heavyClient   *http.Client
}

// New builds a client for one device's agent endpoint.
func New(baseURL string, signer *servicetoken.Signer) (*Client, error) {
	if signer == nil {
		return nil, fmt.Errorf("automation: internal signer is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("automation: base URL is required")
	}
	return &Client{
		baseURL:       baseURL,
		signer:        signer,
		gestureClient: &http.Client{Timeout: 10 * time.Second},
		heavyClient:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Status checks whether the agent is responsive and holds the device.
func (c *Client) Status(ctx context.Context) error {
	_, err := c.do(ctx, c.gestureClient, http.MethodGet, "/status", nil, "status")
	return err
}

// BeginSession starts an automation session, which caches screen geometry.
func (c *Client) BeginSession(ctx context.Context) (string, error) {
	raw, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session", nil, "session.begin")
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("automation: decode session response: %w", err)
	}
	return resp.SessionID, nil
}

// EndSession terminates an automation session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, c.gestureClient, http.MethodDelete, "/session/"+sessionID, nil, "session.end")
	return err
}

// Screenshot returns raw PNG bytes, used for CAPTCHA solving.
func (c *Client) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	return c.do(ctx, c.heavyClient, http.MethodPost, "/session/"+sessionID+"/screenshot", nil, "screenshot")
}

// Element is an opaque handle returned by FindElement.
type Element struct {
	ID string `json:"elementId"`
}

// FindElement tries each lookup strategy in preferred order until one
// succeeds.
func (c *Client) FindElement(ctx context.Context, sessionID string, selector string) (Element, error) {
	strategies := []LookupStrategy{StrategyAccessibilityID, StrategyPredicateString, StrategyClassChain, StrategyXPath}
	var lastErr error
	for _, strategy := range strategies {
		body, _ := json.Marshal(map[string]string{"using": string(strategy), "value": selector})
		raw, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/element", body, "element.find")
		if err == nil {
			var el Element
			if decodeErr := json.Unmarshal(raw, &el); decodeErr == nil {
				return el, nil
			}
		}
		lastErr = err
	}
	return Element{}, lastErr
}

// Click taps an element.
func (c *Client) Click(ctx context.Context, sessionID string, el Element) error {
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/element/"+el.ID+"/click", nil, "element.click")
	return err
}

// SetValue types into an element (e.g. a text field).
func (c *Client) SetValue(ctx context.Context, sessionID string, el Element, value string) error {
	body, _ := json.Marshal(map[string]string{"value": value})
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/element/"+el.ID+"/value", body, "element.setValue")
	return err
}

// ElementText reads an element's visible text, used to read SMS codes
// surfaced in a system notification banner rather than typed by hand.
func (c *Client) ElementText(ctx context.Context, sessionID string, el Element) (string, error) {
	raw, err := c.do(ctx, c.gestureClient, http.MethodGet, "/session/"+sessionID+"/element/"+el.ID+"/text", nil, "element.text")
	if err != nil {
		return "", err
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("automation: decode element text: %w", err)
	}
	return resp.Value, nil
}

// W3CAction is one action in a W3C Actions sequence (tap/double-tap/swipe).
type W3CAction struct {
	Type     string `json:"type"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`
	DeltaX   int    `json:"deltaX,omitempty"`
	DeltaY   int    `json:"deltaY,omitempty"`
	Duration int    `json:"durationMs,omitempty"`
}

// PerformActions submits a W3C Actions sequence (tap/double-tap/swipe).
func (c *Client) PerformActions(ctx context.Context, sessionID string, actions []W3CAction) error {
	body, _ := json.Marshal(map[string]any{"actions": actions})
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/actions", body, "actions.perform")
	return err
}

// ActivateApp brings an app to the foreground by bundle id.
func (c *Client) ActivateApp(ctx context.Context, sessionID, bundleID string) error {
	body, _ := json.Marshal(map[string]string{"bundleId": bundleID})
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/appium/device/activate_app", body, "app.activate")
	return err
}

// TerminateApp kills an app by bundle id.
func (c *Client) TerminateApp(ctx context.Context, sessionID, bundleID string) error {
	body, _ := json.Marshal(map[string]string{"bundleId": bundleID})
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/appium/device/terminate_app", body, "app.terminate")
	return err
}

// RemoveApp uninstalls an app by bundle id. Used by the session runner's
// reset-install step, which always uninstalls before reinstalling so every
// session gets a fresh per-vendor installation identity.
func (c *Client) RemoveApp(ctx context.Context, sessionID, bundleID string) error {
	body, _ := json.Marshal(map[string]string{"bundleId": bundleID})
	_, err := c.do(ctx, c.heavyClient, http.MethodPost, "/session/"+sessionID+"/appium/device/remove_app", body, "app.remove")
	return err
}

// InstallApp reinstalls an app from the App Store by bundle id. This is a
// heavy, slow operation relative to gestures.
func (c *Client) InstallApp(ctx context.Context, sessionID, bundleID string) error {
	body, _ := json.Marshal(map[string]string{"bundleId": bundleID})
	_, err := c.do(ctx, c.heavyClient, http.MethodPost, "/session/"+sessionID+"/appium/device/install_app", body, "app.install")
	return err
}

// QueryAppState queries the app's lifecycle state.
func (c *Client) QueryAppState(ctx context.Context, sessionID, bundleID string) (AppState, error) {
	body, _ := json.Marshal(map[string]string{"bundleId": bundleID})
	raw, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/appium/device/app_state", body, "app.state")
	if err != nil {
		return 0, err
	}
	var resp struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("automation: decode app state: %w", err)
	}
	return AppState(resp.Value), nil
}

// AlertText returns the text of a blocking system alert, if any.
func (c *Client) AlertText(ctx context.Context, sessionID string) (string, error) {
	raw, err := c.do(ctx, c.gestureClient, http.MethodGet, "/session/"+sessionID+"/alert/text", nil, "alert.text")
	if err != nil {
		return "", err
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("automation: decode alert text: %w", err)
	}
	return resp.Value, nil
}

// AcceptAlert accepts the currently displayed system alert.
func (c *Client) AcceptAlert(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/alert/accept", nil, "alert.accept")
	return err
}

// DismissAlert dismisses the currently displayed system alert.
func (c *Client) DismissAlert(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/alert/dismiss", nil, "alert.dismiss")
	return err
}

// HardwareButton is one of the device's physical buttons.
type HardwareButton string

const (
	ButtonHome       HardwareButton = "home"
	ButtonVolumeUp   HardwareButton = "volumeUp"
	ButtonVolumeDown HardwareButton = "volumeDown"
)

// PressButton presses a hardware button.
func (c *Client) PressButton(ctx context.Context, sessionID string, button HardwareButton) error {
	body, _ := json.Marshal(map[string]string{"name": string(button)})
	_, err := c.do(ctx, c.gestureClient, http.MethodPost, "/session/"+sessionID+"/appium/device/press_button", body, "button.press")
	return err
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method, path string, body []byte, op string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("automation: build request for %s: %w", op, err)
	}
	token, err := c.signer.Sign("automation-agent")
	if err != nil {
		return nil, fmt.Errorf("automation: sign request for %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("automation: %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("automation: read %s response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		var errResp struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(raw, &errResp)
		return nil, &Error{Code: errResp.Code, Op: op, Status: resp.StatusCode}
	}
	return raw, nil
}
