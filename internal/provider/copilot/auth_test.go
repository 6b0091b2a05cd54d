package copilot

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, grantAfterPolls int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/device/code", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"verification_uri": "https://example.com/activate",
			"user_code":        "ABCD-1234",
			"device_code":      "device-1",
		})
	})
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < grantAfterPolls {
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "user-token"})
	})
	mux.HandleFunc("/copilot_internal/v2/token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token user-token", r.Header.Get("authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "bearer-token",
			"refresh_in": 1500,
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &polls
}

func newTestSession(server *httptest.Server) *AuthSession {
	s := NewAuthSession(server.Client(), Endpoints{
		DeviceCode:  server.URL + "/login/device/code",
		AccessToken: server.URL + "/login/oauth/access_token",
		APIToken:    server.URL + "/copilot_internal/v2/token",
		API:         server.URL,
		Proxy:       server.URL,
	})
	s.pollInterval = 5 * time.Millisecond
	s.idleRefresh = 5 * time.Millisecond
	return s
}

func TestLoginDeviceFlow(t *testing.T) {
	server, _ := newTestServer(t, 2)
	session := newTestSession(server)
	defer session.Stop()

	verification, err := session.Login()
	require.NoError(t, err)
	require.Equal(t, "https://example.com/activate", verification.VerificationURI)
	require.Equal(t, "ABCD-1234", verification.UserCode)

	status := session.Status()
	require.Equal(t, string(StatusActivatingDevice), status["status"])
	require.Equal(t, "ABCD-1234", status["user_code"])

	require.Eventually(t, func() bool {
		token, ok := session.BearerToken()
		return ok && token == "bearer-token"
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, string(StatusLoggedIn), session.Status()["status"])
}

func TestStatusOmitsVerificationAfterLogin(t *testing.T) {
	server, _ := newTestServer(t, 1)
	session := newTestSession(server)
	defer session.Stop()

	_, err := session.Login()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := session.BearerToken()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	status := session.Status()
	require.Equal(t, string(StatusLoggedIn), status["status"])
	require.NotContains(t, status, "user_code")
	require.NotContains(t, status, "verification_uri")
}

func TestLoginWithAccessToken(t *testing.T) {
	server, _ := newTestServer(t, 1)
	session := newTestSession(server)
	defer session.Stop()

	session.LoginWithAccessToken("user-token")

	require.Eventually(t, func() bool {
		_, ok := session.BearerToken()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLogoutClearsCredentials(t *testing.T) {
	server, _ := newTestServer(t, 1)
	session := newTestSession(server)
	defer session.Stop()

	session.LoginWithAccessToken("user-token")
	require.Eventually(t, func() bool {
		_, ok := session.BearerToken()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	out := session.Logout()
	require.Equal(t, string(StatusNotLoggedIn), out["status"])
	_, ok := session.BearerToken()
	require.False(t, ok)
}
