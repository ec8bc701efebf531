// Package linkedin is the boundary to the external social API: publishing,
// token refresh/revocation, and the priority-post feed. Every outbound call
// is admitted through the shared throttle.
package linkedin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postflow/internal/throttle"
	"postflow/internal/token"
	logx "postflow/pkg/logx"
)

const (
	defaultBaseURL     = "https://api.linkedin.com"
	defaultAuthBaseURL = "https://www.linkedin.com"
	defaultTimeout     = 30 * time.Second
)

// APIError is a non-2xx response from the external API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("linkedin %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

type Config struct {
	ClientID     string
	ClientSecret string

	BaseURL        string
	AuthBaseURL    string
	RequestTimeout time.Duration
}

// Client talks to the external API. It is constructed once at bootstrap and
// injected everywhere a call is made; tests substitute the interfaces it
// implements instead of stubbing HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	th   *throttle.Throttle
	log  logx.Logger
}

func NewClient(cfg Config, th *throttle.Throttle, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = defaultAuthBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if th == nil {
		th = throttle.New(throttle.Options{})
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		th:   th,
		log:  log,
	}
}

// ---- publishing ----

// PublishRequest carries everything needed for one share creation call.
type PublishRequest struct {
	PostID      string
	Content     string
	AccessToken string
	AuthorURN   string
}

// Publish creates the share. Non-2xx responses come back as *APIError and are
// retried by the job's normal backoff.
func (c *Client) Publish(ctx context.Context, req PublishRequest) error {
	return c.th.Schedule(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(map[string]any{
			"author":         req.AuthorURN,
			"lifecycleState": "PUBLISHED",
			"specificContent": map[string]any{
				"com.linkedin.ugc.ShareContent": map[string]any{
					"shareCommentary":    map[string]string{"text": req.Content},
					"shareMediaCategory": "NONE",
				},
			},
			"visibility": map[string]string{
				"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
			},
		})
		if err != nil {
			return err
		}
		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/ugcPosts", strings.NewReader(string(body)))
		if err != nil {
			return err
		}
		hr.Header.Set("Authorization", "Bearer "+req.AccessToken)
		hr.Header.Set("Content-Type", "application/json")
		hr.Header.Set("X-Restli-Protocol-Version", "2.0.0")

		resp, err := c.http.Do(hr)
		if err != nil {
			return fmt.Errorf("publish request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{Op: "publish", StatusCode: resp.StatusCode, Message: readErrBody(resp.Body)}
		}
		return nil
	})
}

// ---- token lifecycle (token.AuthAPI) ----

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (token.RefreshResult, error) {
	return throttle.Do(ctx, c.th, func(ctx context.Context) (token.RefreshResult, error) {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
			"client_id":     {c.cfg.ClientID},
			"client_secret": {c.cfg.ClientSecret},
		}
		resp, err := c.postForm(ctx, c.cfg.AuthBaseURL+"/oauth/v2/accessToken", form)
		if err != nil {
			return token.RefreshResult{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return token.RefreshResult{}, &APIError{Op: "refresh", StatusCode: resp.StatusCode, Message: readErrBody(resp.Body)}
		}

		var out struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return token.RefreshResult{}, fmt.Errorf("decode refresh response: %w", err)
		}
		if out.AccessToken == "" {
			return token.RefreshResult{}, errors.New("refresh response missing access_token")
		}
		if out.RefreshToken == "" {
			// Some grants keep the refresh token stable; reuse the old one.
			out.RefreshToken = refreshToken
		}
		return token.RefreshResult{
			AccessToken:  out.AccessToken,
			RefreshToken: out.RefreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
		}, nil
	})
}

func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	return c.th.Schedule(ctx, func(ctx context.Context) error {
		form := url.Values{
			"token":         {accessToken},
			"client_id":     {c.cfg.ClientID},
			"client_secret": {c.cfg.ClientSecret},
		}
		resp, err := c.postForm(ctx, c.cfg.AuthBaseURL+"/oauth/v2/revoke", form)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{Op: "revoke", StatusCode: resp.StatusCode, Message: readErrBody(resp.Body)}
		}
		return nil
	})
}

// ---- priority-post feed (poller) ----

// PriorityPost is one item from the priority-post feed.
type PriorityPost struct {
	URN       string    `json:"urn"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchPriorityPosts pulls new high-signal posts visible to the account.
func (c *Client) FetchPriorityPosts(ctx context.Context, accessToken string) ([]PriorityPost, error) {
	return throttle.Do(ctx, c.th, func(ctx context.Context) ([]PriorityPost, error) {
		hr, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/priorityPosts?q=new", nil)
		if err != nil {
			return nil, err
		}
		hr.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.http.Do(hr)
		if err != nil {
			return nil, fmt.Errorf("priority posts request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{Op: "priority_posts", StatusCode: resp.StatusCode, Message: readErrBody(resp.Body)}
		}

		var out struct {
			Elements []PriorityPost `json:"elements"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode priority posts: %w", err)
		}
		return out.Elements, nil
	})
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values) (*http.Response, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.http.Do(hr)
}

func readErrBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return "(empty body)"
	}
	return msg
}
