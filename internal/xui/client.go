// Package xui is the REST client for the 3x-ui management panel running
// on each fleet node. Every operation logs in first with the node's
// admin credentials (the panel uses a session cookie, which we keep only
// for the duration of the call), performs exactly one API action and
// reports failure as an error. The client never retries; the caller
// decides whether a failure warrants a fallback or an escalation.
package xui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"polarvpn-bot/internal/fleet"
)

var ErrClientNotFound = errors.New("client not found on panel")

type Client struct {
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{timeout: timeout}
}

// login exchanges the node's static credentials for a session and
// returns an http.Client carrying the session cookie.
func (c *Client) login(ctx context.Context, node fleet.Node) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	session := &http.Client{Timeout: c.timeout, Jar: jar}

	form := url.Values{}
	form.Set("username", node.Username)
	form.Set("password", node.Password)

	loginURL := strings.TrimRight(node.PanelURL, "/") + "/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request to %s failed: %w", node.Name, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("login to %s: %w", node.Name, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("login to %s rejected: %s", node.Name, result.Msg)
	}

	return session, nil
}

// AddClient registers one client identity on the node's inbound with
// the given expiry (epoch milliseconds).
func (c *Client) AddClient(ctx context.Context, node fleet.Node, clientID, email, subID string, expiryMillis int64) error {
	settings, err := json.Marshal(clientSettings{
		Clients: []clientConfig{{
			ID:         clientID,
			Email:      email,
			TotalGB:    0,
			ExpiryTime: expiryMillis,
			Enable:     true,
			LimitIP:    0,
			Flow:       "xtls-rprx-vision",
			SubID:      subID,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal client settings: %w", err)
	}

	form := url.Values{}
	form.Set("id", strconv.Itoa(node.InboundID))
	form.Set("settings", string(settings))

	return c.postForm(ctx, node, "/panel/api/inbounds/addClient", form)
}

// UpdateClientExpiry moves the client's expiry in place. The panel may
// reject partial updates; callers detect the error and fall back to
// DeleteClient + AddClient with an equivalent remaining duration.
func (c *Client) UpdateClientExpiry(ctx context.Context, node fleet.Node, clientID string, expiryMillis int64) error {
	settings, err := json.Marshal(map[string]int64{"expiryTime": expiryMillis})
	if err != nil {
		return fmt.Errorf("failed to marshal expiry settings: %w", err)
	}

	form := url.Values{}
	form.Set("id", strconv.Itoa(node.InboundID))
	form.Set("settings", string(settings))

	return c.postForm(ctx, node, "/panel/api/inbounds/updateClient/"+clientID, form)
}

// DeleteClient removes the client identity from the node's inbound.
func (c *Client) DeleteClient(ctx context.Context, node fleet.Node, clientID string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", node.InboundID, clientID)
	return c.postForm(ctx, node, path, url.Values{})
}

// ClientTraffic reads the up/down byte counters for a client, keyed by
// its panel email. Read-only; used by reporting surfaces.
func (c *Client) ClientTraffic(ctx context.Context, node fleet.Node, email string) (up, down int64, err error) {
	session, err := c.login(ctx, node)
	if err != nil {
		return 0, 0, err
	}

	trafficURL := strings.TrimRight(node.PanelURL, "/") + "/panel/api/inbounds/getClientTraffics/" + url.PathEscape(email)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trafficURL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create traffic request: %w", err)
	}

	resp, err := session.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("traffic request to %s failed: %w", node.Name, err)
	}
	defer resp.Body.Close()

	var result trafficResponse
	if err := decodeResponse(resp, &result); err != nil {
		return 0, 0, fmt.Errorf("traffic read on %s: %w", node.Name, err)
	}
	if !result.Success {
		return 0, 0, fmt.Errorf("traffic read on %s rejected: %s", node.Name, result.Msg)
	}
	if result.Obj == nil {
		return 0, 0, ErrClientNotFound
	}

	return result.Obj.Up, result.Obj.Down, nil
}

func (c *Client) postForm(ctx context.Context, node fleet.Node, path string, form url.Values) error {
	session, err := c.login(ctx, node)
	if err != nil {
		return err
	}

	fullURL := strings.TrimRight(node.PanelURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := session.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s%s failed: %w", node.Name, path, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := decodeResponse(resp, &result); err != nil {
		return fmt.Errorf("%s%s: %w", node.Name, path, err)
	}
	if !result.Success {
		return fmt.Errorf("%s%s returned failure: %s", node.Name, path, result.Msg)
	}

	return nil
}

func decodeResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api error: %s (status: %d)", string(body), resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
