package linkedin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"postflow/internal/throttle"
	logx "postflow/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		BaseURL:      srv.URL,
		AuthBaseURL:  srv.URL,
	}, throttle.New(throttle.Options{MaxRequests: 100, Per: time.Second, Concurrency: 10}), logx.Nop())
	return c, srv
}

func TestPublishSendsShare(t *testing.T) {
	var got struct {
		auth    string
		restli  string
		payload map[string]any
	}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/ugcPosts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		got.auth = r.Header.Get("Authorization")
		got.restli = r.Header.Get("X-Restli-Protocol-Version")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got.payload)
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.Publish(context.Background(), PublishRequest{
		PostID:      "p1",
		Content:     "hello world",
		AccessToken: "tok",
		AuthorURN:   "urn:li:person:1",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got.auth != "Bearer tok" {
		t.Fatalf("auth header = %q", got.auth)
	}
	if got.restli != "2.0.0" {
		t.Fatalf("restli header = %q", got.restli)
	}
	if got.payload["author"] != "urn:li:person:1" {
		t.Fatalf("author = %v", got.payload["author"])
	}
}

func TestPublishNon2xxIsAPIError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))

	err := c.Publish(context.Background(), PublishRequest{PostID: "p1", AccessToken: "tok", AuthorURN: "u"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Op != "publish" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestRefreshTokenParsesResponse(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/v2/accessToken" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("form = %v", r.Form)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))

	res, err := c.RefreshToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if res.AccessToken != "new-access" || res.RefreshToken != "new-refresh" {
		t.Fatalf("result = %+v", res)
	}
	if until := time.Until(res.ExpiresAt); until < 59*time.Minute || until > 61*time.Minute {
		t.Fatalf("expiry = %v from now", until)
	}
}

func TestRefreshTokenReusesOldRefreshToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "new-access", "expires_in": 60})
	}))

	res, err := c.RefreshToken(context.Background(), "stable-refresh")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if res.RefreshToken != "stable-refresh" {
		t.Fatalf("refresh token = %q, want the old one reused", res.RefreshToken)
	}
}

func TestRefreshTokenErrorStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))

	_, err := c.RefreshToken(context.Background(), "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Op != "refresh" {
		t.Fatalf("err = %v", err)
	}
}

func TestRevokeToken(t *testing.T) {
	var revoked string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/v2/revoke" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = r.ParseForm()
		revoked = r.Form.Get("token")
	}))

	if err := c.RevokeToken(context.Background(), "doomed"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if revoked != "doomed" {
		t.Fatalf("revoked token = %q", revoked)
	}
}

func TestFetchPriorityPosts(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/priorityPosts" || r.URL.Query().Get("q") != "new" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"elements": []map[string]any{
				{"urn": "urn:li:share:1", "author": "a", "text": "t1"},
				{"urn": "urn:li:share:2", "author": "b", "text": "t2"},
			},
		})
	}))

	posts, err := c.FetchPriorityPosts(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchPriorityPosts: %v", err)
	}
	if len(posts) != 2 || posts[0].URN != "urn:li:share:1" {
		t.Fatalf("posts = %+v", posts)
	}
}
