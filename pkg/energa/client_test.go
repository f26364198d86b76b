package energa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prabucki/energa-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCreds() types.Credentials {
	return types.Credentials{Username: "user@example.com", Password: "pass"}
}

func TestClientLogin(t *testing.T) {
	t.Run("Token At Top Level", func(t *testing.T) {
		var loginCalls, probeCalls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/apihelper/SessionStatus":
				probeCalls++
				json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
			case "/apihelper/UserLogin":
				loginCalls++
				q := r.URL.Query()
				assert.Equal(t, "ios", q.Get("clientOS"))
				assert.Equal(t, "APNs", q.Get("notifyService"))
				assert.Equal(t, "user@example.com", q.Get("username"))
				assert.Equal(t, "pass", q.Get("password"))
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": true,
					"token":   "tok-123",
				})
			default:
				http.Error(w, "not found: "+r.URL.Path, 404)
			}
		}))
		defer ts.Close()

		c := New(testCreds(), WithBaseURL(ts.URL))
		require.NoError(t, c.Login(context.Background()))
		assert.Equal(t, 1, probeCalls, "session probe should run before login")
		assert.Equal(t, 1, loginCalls)
		assert.Equal(t, "tok-123", c.token)
		assert.Equal(t, 1, c.Epoch())
	})

	t.Run("Token Nested In Response", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/apihelper/SessionStatus":
				w.WriteHeader(200)
			case "/apihelper/UserLogin":
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success":  true,
					"response": map[string]interface{}{"token": "nested-tok"},
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := New(testCreds(), WithBaseURL(ts.URL))
		require.NoError(t, c.Login(context.Background()))
		assert.Equal(t, "nested-tok", c.token)
	})

	t.Run("Cookie Only Session", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/apihelper/SessionStatus":
				http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "s1", Path: "/"})
			case "/apihelper/UserLogin":
				json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
			case "/resources/user/data":
				// Cookie must carry the session; no token parameter exists.
				_, err := r.Cookie("JSESSIONID")
				assert.NoError(t, err, "session cookie should be sent")
				assert.Empty(t, r.URL.Query().Get("token"))
				json.NewEncoder(w).Encode(map[string]interface{}{
					"response": map[string]interface{}{
						"meterPoints": []map[string]interface{}{{"id": 1}},
					},
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := New(testCreds(), WithBaseURL(ts.URL))
		require.NoError(t, c.Login(context.Background()))
		assert.Empty(t, c.token, "no token means cookie-only operation")

		_, err := c.Discover(context.Background())
		require.NoError(t, err)
	})

	t.Run("Device Token Forwarded", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/apihelper/SessionStatus":
				w.WriteHeader(200)
			case "/apihelper/UserLogin":
				assert.Equal(t, "dev-tok", r.URL.Query().Get("token"))
				json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "token": "t"})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		creds := testCreds()
		creds.DeviceToken = "dev-tok"
		c := New(creds, WithBaseURL(ts.URL))
		require.NoError(t, c.Login(context.Background()))
	})

	t.Run("Provider Rejection Is AuthError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/apihelper/SessionStatus":
				w.WriteHeader(200)
			case "/apihelper/UserLogin":
				json.NewEncoder(w).Encode(map[string]interface{}{"success": false})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := New(testCreds(), WithBaseURL(ts.URL))
		err := c.Login(context.Background())
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.False(t, IsTransient(err))
	})

	t.Run("Transport Failure Is ConnectionError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		ts.Close() // refuse connections

		c := New(testCreds(), WithBaseURL(ts.URL))
		err := c.Login(context.Background())
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.True(t, IsTransient(err))
	})

	t.Run("Unauthorized Is SessionExpired", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "expired", http.StatusUnauthorized)
		}))
		defer ts.Close()

		c := New(testCreds(), WithBaseURL(ts.URL))
		_, err := c.Discover(context.Background())
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("Relogin Coalesces Concurrent Observers", func(t *testing.T) {
		var loginCalls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/apihelper/SessionStatus":
				w.WriteHeader(200)
			case "/apihelper/UserLogin":
				loginCalls++
				json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "token": "t"})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := New(testCreds(), WithBaseURL(ts.URL))
		require.NoError(t, c.Login(context.Background()))
		require.Equal(t, 1, loginCalls)

		// Two callers observed the same session before it expired; only the
		// first Relogin performs a fresh login.
		observed := c.Epoch()
		require.NoError(t, c.Relogin(context.Background(), observed))
		require.NoError(t, c.Relogin(context.Background(), observed))
		assert.Equal(t, 2, loginCalls, "second observer should coalesce")
	})
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&ConnectionError{Err: errors.New("dial")}))
	assert.True(t, IsTransient(&SchemaError{What: "empty"}))
	assert.False(t, IsTransient(&AuthError{}))
	assert.False(t, IsTransient(ErrSessionExpired))
}
