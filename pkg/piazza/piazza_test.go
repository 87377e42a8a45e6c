package piazza

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingPacer struct{ waits int }

func (p *countingPacer) Wait(context.Context) error {
	p.waits++
	return nil
}

type rpcCall struct {
	Method string
	Params map[string]any
	CSRF   string
	Agent  string
}

// fakePiazza answers RPC calls from handlers keyed by method.
func fakePiazza(t *testing.T, handlers map[string]func(w http.ResponseWriter, params map[string]any)) (*httptest.Server, *[]rpcCall) {
	t.Helper()
	var calls []rpcCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/logic/api", r.URL.Path)
		var req struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, req.Method, r.URL.Query().Get("method"))
		calls = append(calls, rpcCall{
			Method: req.Method,
			Params: req.Params,
			CSRF:   r.Header.Get("CSRF-Token"),
			Agent:  r.Header.Get("User-Agent"),
		})
		h, ok := handlers[req.Method]
		if !ok {
			writeJSON(w, map[string]any{"result": nil, "error": "unknown method"})
			return
		}
		h(w, req.Params)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func result(v any) func(http.ResponseWriter, map[string]any) {
	return func(w http.ResponseWriter, _ map[string]any) {
		writeJSON(w, map[string]any{"result": v, "error": nil})
	}
}

func testConfig(url string) Config {
	return Config{
		Email:     "student@example.edu",
		Password:  "secret",
		BaseURL:   url,
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
	}
}

func TestLoginSharesSession(t *testing.T) {
	srv, calls := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"user.login": func(w http.ResponseWriter, _ map[string]any) {
			http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "csrf-123", Path: "/"})
			writeJSON(w, map[string]any{"result": "OK", "error": nil})
		},
		"user.status": result(map[string]any{"id": "user-42"}),
	})

	c, err := New(context.Background(), testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "user-42", c.UserID())

	require.Len(t, *calls, 2)
	require.Equal(t, "student@example.edu", (*calls)[0].Params["email"])
	require.Equal(t, "secret", (*calls)[0].Params["pass"])
	require.Empty(t, (*calls)[0].CSRF)
	require.Equal(t, "csrf-123", (*calls)[1].CSRF)
	require.Equal(t, "test-agent", (*calls)[1].Agent)
}

func TestLoginFailure(t *testing.T) {
	srv, _ := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"user.login": func(w http.ResponseWriter, _ map[string]any) {
			writeJSON(w, map[string]any{"result": nil, "error": "Email or password incorrect"})
		},
	})

	_, err := New(context.Background(), testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, "user.login", remoteErr.Method)
	require.Equal(t, "Email or password incorrect", remoteErr.Message)
}

func TestInvokeVotePayload(t *testing.T) {
	srv, calls := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"content.vote": result(map[string]any{"total_votes": 12}),
	})
	c, err := newClient(testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	require.NoError(t, err)

	res, err := c.Invoke(context.Background(), "content.vote", map[string]any{"cid": "p1", "votes": []string{"a3"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"total_votes":12}`, string(res))

	require.Len(t, *calls, 1)
	require.Equal(t, "p1", (*calls)[0].Params["cid"])
	require.Equal(t, []any{"a3"}, (*calls)[0].Params["votes"])
}

func TestInvokeRateLimited(t *testing.T) {
	srv, _ := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"content.vote": func(w http.ResponseWriter, _ map[string]any) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})
	c, err := newClient(testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), "content.vote", map[string]any{"cid": "p1", "votes": []string{"a"}})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.True(t, remoteErr.RateLimited())
	require.Equal(t, 7*time.Second, remoteErr.RetryAfter)
	require.True(t, Retryable(err))
}

func TestFetchRecentPosts(t *testing.T) {
	srv, calls := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"network.get_my_feed": result(map[string]any{"feed": []any{
			map[string]any{"id": "p1"},
			map[string]any{"id": "p2"},
			map[string]any{"id": "p3"},
		}}),
		"content.get": func(w http.ResponseWriter, params map[string]any) {
			if params["cid"] == "p2" {
				writeJSON(w, map[string]any{"result": nil, "error": "Content not found"})
				return
			}
			writeJSON(w, map[string]any{"result": map[string]any{"id": params["cid"], "type": "poll"}, "error": nil})
		},
	})
	pacer := &countingPacer{}
	c, err := newClient(testConfig(srv.URL), pacer, zap.NewNop())
	require.NoError(t, err)

	posts, err := c.FetchRecentPosts(context.Background(), "class-1", 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	require.Equal(t, "p1", posts[0].ID)
	require.Equal(t, "p3", posts[1].ID)
	require.JSONEq(t, `{"id":"p3","type":"poll"}`, string(posts[1].Payload))
	require.Equal(t, 3, pacer.waits)

	require.Equal(t, "network.get_my_feed", (*calls)[0].Method)
	require.Equal(t, "class-1", (*calls)[0].Params["nid"])
	require.EqualValues(t, 10, (*calls)[0].Params["limit"])
	require.Equal(t, "class-1", (*calls)[1].Params["nid"])
}

func TestFetchRecentPostsUnbounded(t *testing.T) {
	srv, calls := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"network.get_my_feed": result(map[string]any{"feed": []any{}}),
	})
	c, err := newClient(testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	require.NoError(t, err)

	posts, err := c.FetchRecentPosts(context.Background(), "class-1", 0)
	require.NoError(t, err)
	require.Empty(t, posts)
	require.NotContains(t, (*calls)[0].Params, "limit")
}

func TestFetchRecentPostsAbortsOnRateLimit(t *testing.T) {
	srv, _ := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"network.get_my_feed": result(map[string]any{"feed": []any{map[string]any{"id": "p1"}}}),
		"content.get": func(w http.ResponseWriter, _ map[string]any) {
			writeJSON(w, map[string]any{"result": nil, "error": "You are going too fast, please wait"})
		},
	})
	c, err := newClient(testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.FetchRecentPosts(context.Background(), "class-1", 0)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.True(t, remoteErr.RateLimited())
}

func TestFetchRecentPostsLogsInAgainAfterExpiry(t *testing.T) {
	logins, expired := 0, false
	srv, calls := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"user.login": func(w http.ResponseWriter, _ map[string]any) {
			logins++
			writeJSON(w, map[string]any{"result": "OK", "error": nil})
		},
		"user.status": result(map[string]any{"id": "user-42"}),
		"network.get_my_feed": func(w http.ResponseWriter, _ map[string]any) {
			if !expired {
				expired = true
				w.WriteHeader(http.StatusUnauthorized)
				writeJSON(w, map[string]any{"result": nil, "error": "Not logged in"})
				return
			}
			writeJSON(w, map[string]any{"result": map[string]any{"feed": []any{map[string]any{"id": "p1"}}}, "error": nil})
		},
		"content.get": result(map[string]any{"id": "p1", "type": "poll"}),
	})

	c, err := New(context.Background(), testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, logins)

	posts, err := c.FetchRecentPosts(context.Background(), "class-1", 0)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Equal(t, 2, logins)

	var methods []string
	for _, call := range *calls {
		methods = append(methods, call.Method)
	}
	require.Equal(t, []string{
		"user.login", "user.status",
		"network.get_my_feed",
		"user.login", "user.status",
		"network.get_my_feed", "content.get",
	}, methods)

	// a healthy session does not log in again
	_, err = c.FetchRecentPosts(context.Background(), "class-1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, logins)
}

func TestInvokeExpiredSessionLoginFails(t *testing.T) {
	logins := 0
	srv, _ := fakePiazza(t, map[string]func(http.ResponseWriter, map[string]any){
		"user.login": func(w http.ResponseWriter, _ map[string]any) {
			logins++
			writeJSON(w, map[string]any{"result": nil, "error": "Email or password incorrect"})
		},
		"network.get_my_feed": func(w http.ResponseWriter, _ map[string]any) {
			writeJSON(w, map[string]any{"result": nil, "error": "Session expired, please log in"})
		},
	})
	c, err := newClient(testConfig(srv.URL), &countingPacer{}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.FetchRecentPosts(context.Background(), "class-1", 0)
	require.Error(t, err)
	require.Equal(t, 1, logins)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.True(t, remoteErr.AuthFailed())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &RemoteError{StatusCode: http.StatusTooManyRequests}, true},
		{"too fast", &RemoteError{Message: "You are going too fast"}, true},
		{"5xx", &RemoteError{StatusCode: http.StatusBadGateway}, true},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"not found", &RemoteError{Message: "Content not found"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
