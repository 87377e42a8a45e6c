package piazza

import (
	"bytes"
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

	"go.uber.org/zap"
)

const (
	csrfCookie    = "session_id"
	maxErrorBytes = 512

	methodLogin  = "user.login"
	methodStatus = "user.status"
)

type Config struct {
	Email     string        `yaml:"PIAZZA_EMAIL"      env:"PIAZZA_EMAIL"      env-required:"true"`
	Password  string        `yaml:"PIAZZA_PASSWORD"   env:"PIAZZA_PASSWORD"   env-required:"true"`
	BaseURL   string        `yaml:"PIAZZA_URL"        env:"PIAZZA_URL"        env-default:"https://piazza.com"`
	UserAgent string        `yaml:"PIAZZA_USER_AGENT" env:"PIAZZA_USER_AGENT" env-default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36 Edg/142.0.0.0"`
	Timeout   time.Duration `yaml:"PIAZZA_TIMEOUT"    env:"PIAZZA_TIMEOUT"    env-default:"30s"`
}

// Pacer is waited on before every single-post fetch.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Client is one authenticated Piazza session. It serves both the feed reads
// and the raw RPC calls, so there is a single cookie jar to keep fresh.
type Client struct {
	cfg    Config
	http   *http.Client
	apiURL string
	pacer  Pacer
	userID string
	l      *zap.Logger
}

type request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// New logs in and returns a ready client.
func New(ctx context.Context, cfg Config, pacer Pacer, l *zap.Logger) (*Client, error) {
	c, err := newClient(cfg, pacer, l)
	if err != nil {
		return nil, err
	}
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(cfg Config, pacer Pacer, l *zap.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("piazza: failed to create cookie jar: %w", err)
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Jar: jar, Timeout: cfg.Timeout},
		apiURL: strings.TrimRight(cfg.BaseURL, "/") + "/logic/api",
		pacer:  pacer,
		l:      l,
	}, nil
}

// Login starts a session and records the account id.
func (c *Client) Login(ctx context.Context) error {
	c.l.Info("logging in to piazza", zap.String("email", c.cfg.Email))
	if _, err := c.call(ctx, methodLogin, map[string]string{
		"email": c.cfg.Email,
		"pass":  c.cfg.Password,
	}); err != nil {
		return fmt.Errorf("piazza: login failed: %w", err)
	}

	raw, err := c.call(ctx, methodStatus, map[string]any{})
	if err != nil {
		return fmt.Errorf("piazza: failed to read user status: %w", err)
	}
	var status struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("piazza: failed to decode user status: %w", err)
	}
	c.userID = status.ID
	c.l.Info("logged in", zap.String("user_id", c.userID))
	return nil
}

// UserID is the account id reported at login.
func (c *Client) UserID() string {
	return c.userID
}

// Invoke calls an RPC method and returns its result. Server-side failures
// come back as *RemoteError. When the session has expired it logs in again
// once and replays the call.
func (c *Client) Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	res, err := c.call(ctx, method, payload)
	if err == nil || !isAuthError(err) {
		return res, err
	}
	c.l.Warn("session expired, logging in again",
		zap.String("method", method),
		zap.Error(err))
	if loginErr := c.Login(ctx); loginErr != nil {
		return nil, fmt.Errorf("piazza: %s: %w", method, errors.Join(err, loginErr))
	}
	return c.call(ctx, method, payload)
}

func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(request{Method: method, Params: payload})
	if err != nil {
		return nil, fmt.Errorf("piazza: failed to encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"?method="+url.QueryEscape(method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("piazza: failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if token := c.csrfToken(req.URL); token != "" {
		req.Header.Set("CSRF-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piazza: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("piazza: %s: failed to read response: %w", method, err)
	}
	c.l.Debug("piazza response",
		zap.String("method", method),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("bytes", len(data)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			Method:     method,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(data)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &RemoteError{
			Method:     method,
			StatusCode: resp.StatusCode,
			Message:    "malformed response: " + truncate(string(data)),
		}
	}
	if msg := errorMessage(env.Error); msg != "" {
		return nil, &RemoteError{Method: method, StatusCode: resp.StatusCode, Message: msg}
	}
	return env.Result, nil
}

// FetchRecentPosts reads the class feed and then each listed post in full.
// A zero limit leaves the feed size to the server.
func (c *Client) FetchRecentPosts(ctx context.Context, classID string, limit int) ([]Post, error) {
	params := map[string]any{"nid": classID, "offset": 0}
	if limit > 0 {
		params["limit"] = limit
	}
	raw, err := c.Invoke(ctx, "network.get_my_feed", params)
	if err != nil {
		return nil, err
	}
	var feed struct {
		Feed []struct {
			ID string `json:"id"`
		} `json:"feed"`
	}
	if err := json.Unmarshal(raw, &feed); err != nil {
		return nil, fmt.Errorf("piazza: failed to decode feed: %w", err)
	}
	c.l.Debug("found posts in feed", zap.Int("count", len(feed.Feed)))

	posts := make([]Post, 0, len(feed.Feed))
	for _, item := range feed.Feed {
		if limit > 0 && len(posts) >= limit {
			break
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		post, err := c.Invoke(ctx, "content.get", map[string]string{"cid": item.ID, "nid": classID})
		if err != nil {
			if Retryable(err) {
				// let the caller back off and refetch the whole batch
				return nil, err
			}
			c.l.Warn("failed to fetch post, skipping",
				zap.String("post_id", item.ID),
				zap.Error(err))
			continue
		}
		posts = append(posts, Post{ID: item.ID, Payload: post})
	}
	return posts, nil
}

func (c *Client) csrfToken(u *url.URL) string {
	for _, cookie := range c.http.Jar.Cookies(u) {
		if cookie.Name == csrfCookie {
			return cookie.Value
		}
	}
	return ""
}

// errorMessage returns "" for a null or empty error field.
func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string) string {
	if len(s) <= maxErrorBytes {
		return s
	}
	return s[:maxErrorBytes]
}
