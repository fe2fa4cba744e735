// Package xui talks to a 3x-ui provisioning panel. The panel's wire
// format is undocumented and varies between forks, so every tolerance
// for it (response envelopes, endpoint fallbacks, success:false bodies)
// lives here, behind the small surface the lifecycle manager uses:
// AddClient, DisableClient, GetInbound, ClientTraffic.
package xui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Client struct {
	BaseURL    string
	BasePath   string
	Username   string
	Password   string
	HTTPClient *http.Client

	mu         sync.Mutex
	authCookie string
}

func NewClient(baseURL, basePath, username, password string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: basePath,
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("api error: %s (status: %d)", e.body, e.code)
}

func isAuthError(err error) bool {
	se, ok := err.(*statusError)
	return ok && (se.code == http.StatusUnauthorized || se.code == http.StatusForbidden)
}

// IsDuplicateClient reports whether an AddClient failure means the
// client already exists in the panel; callers treat that as success.
func IsDuplicateClient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exist")
}

// AddClient registers clientUUID with the given correlation email on
// the inbound. Safe to call twice for the same UUID: the duplicate
// response is surfaced as an error matched by IsDuplicateClient.
func (c *Client) AddClient(inboundID int64, clientUUID, email string) error {
	settings := clientSettings{Clients: []clientPayload{{
		ID:     clientUUID,
		Flow:   "xtls-rprx-vision",
		Email:  email,
		Enable: true,
		SubID:  randomSubID(),
	}}}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal addClient settings: %w", err)
	}

	form := url.Values{}
	form.Set("id", fmt.Sprintf("%d", inboundID))
	form.Set("settings", string(settingsJSON))

	_, err = c.withRelogin(func() ([]byte, error) {
		return c.postForm("/panel/api/inbounds/addClient", form)
	})
	return err
}

// DisableClient flips enable=false for the client. Best effort and
// idempotent: disabling an already disabled client is a no-op in the
// panel.
func (c *Client) DisableClient(inboundID int64, clientUUID string) error {
	body := updateClientRequest{
		InboundID: inboundID,
		Client:    updateClient{ID: clientUUID, Enable: false},
	}
	_, err := c.withRelogin(func() ([]byte, error) {
		return c.postJSON(fmt.Sprintf("/panel/api/inbounds/updateClient/%s", clientUUID), body)
	})
	return err
}

// GetInbound returns the inbound record as raw JSON, unwrapped from the
// vendor envelope. If the direct endpoint returns a truncated record
// (no stream settings), the list endpoint is scanned as a fallback.
func (c *Client) GetInbound(inboundID int64) (string, error) {
	resp, err := c.withRelogin(func() ([]byte, error) {
		return c.get(fmt.Sprintf("/panel/api/inbounds/get/%d", inboundID))
	})
	if err != nil {
		return "", err
	}

	record := unwrapEnvelope(resp)
	if looksLikeFullInbound(record) {
		return record, nil
	}
	if fromList, err := c.inboundFromList(inboundID); err == nil && fromList != "" {
		return fromList, nil
	}
	return record, nil
}

// ClientTraffic probes usage for the client identified by email. The
// second return value is false when the panel has no record, which the
// caller must treat as unknown, never as zero.
func (c *Client) ClientTraffic(email string) (int64, bool, error) {
	resp, err := c.withRelogin(func() ([]byte, error) {
		return c.get(fmt.Sprintf("/panel/api/inbounds/getClientTraffics/%s", url.PathEscape(email)))
	})
	if err != nil {
		return 0, false, err
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal traffic response: %w", err)
	}
	payload := env.payload()
	if payload == nil {
		return 0, false, nil
	}
	var traffic clientTraffic
	if err := json.Unmarshal(payload, &traffic); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal traffic payload: %w", err)
	}
	return traffic.Up + traffic.Down, true, nil
}

// inboundFromList is the explicit fallback-extraction path: some forks
// only return the full record (with streamSettings) from the list
// endpoint.
func (c *Client) inboundFromList(inboundID int64) (string, error) {
	resp, err := c.withRelogin(func() ([]byte, error) {
		return c.get("/panel/api/inbounds/list")
	})
	if err != nil {
		return "", err
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return "", fmt.Errorf("failed to unmarshal inbound list: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(env.payload(), &items); err != nil {
		return "", fmt.Errorf("inbound list is not an array: %w", err)
	}
	for _, item := range items {
		var probe struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(item, &probe); err != nil {
			continue
		}
		if probe.ID == inboundID {
			return string(item), nil
		}
	}
	return "", fmt.Errorf("inbound %d not found in list", inboundID)
}

func looksLikeFullInbound(record string) bool {
	return strings.Contains(record, `"streamSettings"`) || strings.Contains(record, `"realitySettings"`)
}

func unwrapEnvelope(body []byte) string {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if payload := env.payload(); payload != nil {
			return string(payload)
		}
	}
	return string(body)
}

// withRelogin runs the request, re-authenticating exactly once if the
// session has expired. A second auth failure is returned as-is and is
// treated as transient by the caller.
func (c *Client) withRelogin(call func() ([]byte, error)) ([]byte, error) {
	if err := c.ensureLoggedIn(); err != nil {
		return nil, err
	}
	resp, err := call()
	if err != nil && isAuthError(err) {
		c.mu.Lock()
		c.authCookie = ""
		c.mu.Unlock()
		if err := c.ensureLoggedIn(); err != nil {
			return nil, err
		}
		return call()
	}
	return resp, err
}

func (c *Client) ensureLoggedIn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authCookie != "" {
		return nil
	}

	form := url.Values{}
	form.Set("username", c.Username)
	form.Set("password", c.Password)

	req, err := http.NewRequest(http.MethodPost, c.url("/login"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode, body: string(body)}
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "lang" {
			continue
		}
		c.authCookie = cookie.Name + "=" + cookie.Value
		return nil
	}
	return fmt.Errorf("login failed: no session cookie in response (status %d)", resp.StatusCode)
}

func (c *Client) url(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	bp := strings.Trim(c.BasePath, "/")
	if bp != "" {
		bp = "/" + bp
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + bp + path
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.Lock()
	cookie := c.authCookie
	c.mu.Unlock()
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	// 3x-ui often answers 200 OK with success=false in the body.
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Success != nil && !*env.Success {
		return nil, fmt.Errorf("panel api error: %s", env.Msg)
	}
	return body, nil
}

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) postJSON(path string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.url(path), bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) postForm(path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.url(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// subId must only be unique inside the inbound; the panel UI uses 16
// character strings.
func randomSubID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
