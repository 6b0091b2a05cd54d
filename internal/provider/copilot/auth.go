package copilot

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LoginStatus is the device-authorization state machine position.
type LoginStatus string

const (
	StatusNotLoggedIn      LoginStatus = "NOT_LOGGED_IN"
	StatusActivatingDevice LoginStatus = "ACTIVATING_DEVICE"
	StatusLoggingIn        LoginStatus = "LOGGING_IN"
	StatusLoggedIn         LoginStatus = "LOGGED_IN"
)

const (
	editorVersion       = "NBChat/1.0.0"
	editorPluginVersion = "NBChat/1.0.0"
	userAgent           = "NBChat/1.0.0"

	defaultClientID = "Iv1.b507a08c87ecfe98"

	defaultDeviceCodeURL  = "https://github.com/login/device/code"
	defaultAccessTokenURL = "https://github.com/login/oauth/access_token"
	defaultAPITokenURL    = "https://api.github.com/copilot_internal/v2/token"
	defaultAPIEndpoint    = "https://api.githubcopilot.com"
	defaultProxyEndpoint  = "https://copilot-proxy.githubusercontent.com"

	defaultTokenRefreshInterval = 1500 * time.Second
	unauthenticatedRefresh      = 15 * time.Second
	accessTokenPollInterval     = 5 * time.Second
)

// Endpoints are the external auth and API URLs, injectable for tests.
type Endpoints struct {
	DeviceCode  string
	AccessToken string
	APIToken    string
	API         string
	Proxy       string
}

func defaultEndpoints() Endpoints {
	return Endpoints{
		DeviceCode:  defaultDeviceCodeURL,
		AccessToken: defaultAccessTokenURL,
		APIToken:    defaultAPITokenURL,
		API:         defaultAPIEndpoint,
		Proxy:       defaultProxyEndpoint,
	}
}

// DeviceVerification is shown to the user to complete the login.
type DeviceVerification struct {
	VerificationURI string `json:"verification_uri"`
	UserCode        string `json:"user_code"`
}

// AuthSession owns the hosted service's authentication lifecycle: the device
// authorization flow, access-token polling and the bearer-token refresh loop.
// All background work is cancellable via Stop.
type AuthSession struct {
	httpClient   *http.Client
	endpoints    Endpoints
	clientID     string
	machineID    string
	pollInterval time.Duration
	idleRefresh  time.Duration

	mu              sync.Mutex
	status          LoginStatus
	verificationURI string
	userCode        string
	deviceCode      string
	accessToken     string
	token           string
	refreshIn       time.Duration
	apiEndpoint     string
	proxyEndpoint   string

	ctx     context.Context
	cancel  context.CancelFunc
	refresh sync.Once
}

// NewAuthSession builds a logged-out session. A nil client or zero-value
// endpoints fall back to the production defaults.
func NewAuthSession(client *http.Client, endpoints Endpoints) *AuthSession {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	defaults := defaultEndpoints()
	if endpoints.DeviceCode == "" {
		endpoints.DeviceCode = defaults.DeviceCode
	}
	if endpoints.AccessToken == "" {
		endpoints.AccessToken = defaults.AccessToken
	}
	if endpoints.APIToken == "" {
		endpoints.APIToken = defaults.APIToken
	}
	if endpoints.API == "" {
		endpoints.API = defaults.API
	}
	if endpoints.Proxy == "" {
		endpoints.Proxy = defaults.Proxy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AuthSession{
		httpClient:    client,
		endpoints:     endpoints,
		clientID:      defaultClientID,
		machineID:     newMachineID(),
		pollInterval:  accessTokenPollInterval,
		idleRefresh:   unauthenticatedRefresh,
		status:        StatusNotLoggedIn,
		refreshIn:     defaultTokenRefreshInterval,
		apiEndpoint:   endpoints.API,
		proxyEndpoint: endpoints.Proxy,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func newMachineID() string {
	buf := make([]byte, 33)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)[:65]
}

// Status reports the login state plus the verification info while a device
// activation is pending.
func (s *AuthSession) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	response := map[string]any{"status": string(s.status)}
	if s.status == StatusActivatingDevice {
		response["verification_uri"] = s.verificationURI
		response["user_code"] = s.userCode
	}
	return response
}

// Login starts the device-authorization flow: it fetches the verification URI
// and user code, then polls for the user access token in the background.
func (s *AuthSession) Login() (*DeviceVerification, error) {
	verification, err := s.fetchDeviceVerification()
	if err != nil {
		return nil, err
	}

	go s.pollAccessToken()
	s.startRefreshLoop()

	return verification, nil
}

// LoginWithAccessToken skips the device flow using a pre-provisioned user
// access token, e.g. from configuration.
func (s *AuthSession) LoginWithAccessToken(accessToken string) {
	if accessToken == "" {
		return
	}
	s.mu.Lock()
	s.accessToken = accessToken
	s.mu.Unlock()
	s.startRefreshLoop()
}

// Logout drops all credentials. Background tasks keep running idle so a later
// Login reuses them.
func (s *AuthSession) Logout() map[string]any {
	s.mu.Lock()
	s.verificationURI = ""
	s.userCode = ""
	s.deviceCode = ""
	s.accessToken = ""
	s.token = ""
	s.status = StatusNotLoggedIn
	s.mu.Unlock()

	return map[string]any{"status": string(StatusNotLoggedIn)}
}

// Stop cancels the polling and refresh tasks.
func (s *AuthSession) Stop() {
	s.cancel()
}

// BearerToken returns the short-lived API token, if logged in.
func (s *AuthSession) BearerToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// APIEndpoint returns the chat completions endpoint, possibly rewritten by
// the token response.
func (s *AuthSession) APIEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiEndpoint
}

// ProxyEndpoint returns the inline-completions endpoint.
func (s *AuthSession) ProxyEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyEndpoint
}

func (s *AuthSession) fetchDeviceVerification() (*DeviceVerification, error) {
	payload, _ := json.Marshal(map[string]string{
		"client_id": s.clientID,
		"scope":     "read:user",
	})

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.endpoints.DeviceCode, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	s.setCommonHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		VerificationURI string `json:"verification_uri"`
		UserCode        string `json:"user_code"`
		DeviceCode      string `json:"device_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}

	s.mu.Lock()
	s.verificationURI = body.VerificationURI
	s.userCode = body.UserCode
	s.deviceCode = body.DeviceCode
	s.status = StatusActivatingDevice
	s.mu.Unlock()

	return &DeviceVerification{VerificationURI: body.VerificationURI, UserCode: body.UserCode}, nil
}

// pollAccessToken polls the token endpoint at a fixed interval until the user
// completes the device activation or the session is stopped.
func (s *AuthSession) pollAccessToken() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		done := s.accessToken != ""
		deviceCode := s.deviceCode
		s.mu.Unlock()
		if done {
			return
		}

		payload, _ := json.Marshal(map[string]string{
			"client_id":   s.clientID,
			"device_code": deviceCode,
			"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
		})
		req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.endpoints.AccessToken, bytes.NewReader(payload))
		if err != nil {
			return
		}
		s.setCommonHeaders(req)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			log.Printf("[copilot] access token poll failed: %v", err)
			continue
		}

		var body struct {
			AccessToken string `json:"access_token"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || body.AccessToken == "" {
			continue
		}

		s.mu.Lock()
		s.accessToken = body.AccessToken
		s.mu.Unlock()

		s.refreshToken()
		return
	}
}

// refreshToken exchanges the user access token for a short-lived bearer token
// and records the server-advertised refresh interval and endpoints.
func (s *AuthSession) refreshToken() {
	s.mu.Lock()
	accessToken := s.accessToken
	s.mu.Unlock()

	if accessToken == "" {
		return
	}

	s.mu.Lock()
	s.status = StatusLoggingIn
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.endpoints.APIToken, nil)
	if err != nil {
		return
	}
	req.Header.Set("authorization", "token "+accessToken)
	req.Header.Set("editor-version", editorVersion)
	req.Header.Set("editor-plugin-version", editorPluginVersion)
	req.Header.Set("user-agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("[copilot] token refresh failed: %v", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Token     string `json:"token"`
		RefreshIn int    `json:"refresh_in"`
		Endpoints struct {
			API   string `json:"api"`
			Proxy string `json:"proxy"`
		} `json:"endpoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("[copilot] decode token response failed: %v", err)
		return
	}

	s.mu.Lock()
	s.token = body.Token
	s.verificationURI = ""
	s.userCode = ""
	s.status = StatusLoggedIn
	if body.RefreshIn > 0 {
		s.refreshIn = time.Duration(body.RefreshIn) * time.Second
	}
	if body.Endpoints.API != "" {
		s.apiEndpoint = body.Endpoints.API
	}
	if body.Endpoints.Proxy != "" {
		s.proxyEndpoint = body.Endpoints.Proxy
	}
	s.mu.Unlock()
}

// startRefreshLoop launches the background refresh task once per session: it
// refreshes on the advertised interval while logged in and every 15s while a
// bearer token is still missing.
func (s *AuthSession) startRefreshLoop() {
	s.refresh.Do(func() {
		go func() {
			for {
				s.refreshToken()

				s.mu.Lock()
				wait := s.refreshIn
				if s.token == "" {
					wait = s.idleRefresh
				}
				s.mu.Unlock()

				select {
				case <-s.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}()
	})
}

// headers builds the request headers for completion calls.
func (s *AuthSession) headers() http.Header {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	h := http.Header{}
	h.Set("authorization", "Bearer "+token)
	h.Set("editor-version", editorVersion)
	h.Set("editor-plugin-version", editorPluginVersion)
	h.Set("user-agent", userAgent)
	h.Set("content-type", "application/json")
	h.Set("openai-intent", "conversation-panel")
	h.Set("x-request-id", uuid.NewString())
	h.Set("vscode-sessionid", uuid.NewString())
	h.Set("vscode-machineid", s.machineID)
	return h
}

func (s *AuthSession) setCommonHeaders(req *http.Request) {
	req.Header.Set("accept", "application/json")
	req.Header.Set("editor-version", editorVersion)
	req.Header.Set("editor-plugin-version", editorPluginVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", userAgent)
}
