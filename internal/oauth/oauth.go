// Package oauth implements the loopback OAuth 2.0 + PKCE flow used to
// connect a Google account for the gmail and gtasks executors. The flow
// opens a localhost callback server, sends the user to the consent page,
// and exchanges the returned code for a token bundle persisted through
// the encrypted secret store.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/secrets"
)

const (
	// flowTimeout caps the whole authorize-to-exchange round trip. A user
	// who has not completed consent within the ceiling gets a clean error
	// instead of a goroutine parked on the callback forever.
	flowTimeout = 120 * time.Second

	// refreshMargin refreshes access tokens slightly before expiry so a
	// token handed to a caller is never already dead.
	refreshMargin = 5 * time.Minute

	callbackPath = "/oauth/callback"
)

var (
	// ErrFlowInFlight means another authorization round trip is already
	// waiting on its callback. Duplicate Connect calls fail fast rather
	// than opening a second consent page.
	ErrFlowInFlight = errors.New("authorization flow already in progress")
	// ErrNotConnected means no token bundle is stored for the identity.
	ErrNotConnected = errors.New("account not connected")
)

// Endpoints names the provider's authorize and token URLs.
type Endpoints struct {
	AuthURL  string
	TokenURL string
}

// GoogleEndpoints are the production Google OAuth 2.0 endpoints.
func GoogleEndpoints() Endpoints {
	return Endpoints{
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	}
}

// Config describes one connectable identity.
type Config struct {
	// Identity keys the stored credential ("google").
	Identity     string
	ClientID     string
	ClientSecret string
	Endpoints    Endpoints
	// Scopes requested at consent time.
	Scopes []string
	// Port for the loopback callback server. Zero binds an ephemeral port.
	Port int
}

// Token is the persisted bundle from a code exchange or refresh.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Valid reports whether the access token is still usable.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Now().Add(refreshMargin).Before(t.Expiry)
}

// GrantsScope reports whether the bundle's consented scope list contains
// the given scope exactly.
func (t *Token) GrantsScope(scope string) bool {
	if t == nil {
		return false
	}
	for _, s := range strings.Fields(t.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// Manager runs the loopback flow and serves tokens with transparent
// refresh. One manager per identity; safe for concurrent use.
type Manager struct {
	cfg     Config
	secrets *secrets.Store
	client  *http.Client

	mu    sync.Mutex
	token *Token

	flowMu   sync.Mutex
	inFlight bool
}

// NewManager creates a token manager backed by the secret store.
func NewManager(cfg Config, sec *secrets.Store) *Manager {
	if cfg.Identity == "" {
		cfg.Identity = "google"
	}
	return &Manager{
		cfg:     cfg,
		secrets: sec,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Connected reports whether a token bundle is stored for the identity.
func (m *Manager) Connected() bool {
	_, err := m.load()
	return err == nil
}

// HasScope reports whether the stored credential grants the scope. A
// missing or unreadable credential grants nothing.
func (m *Manager) HasScope(scope string) bool {
	tok, err := m.load()
	if err != nil {
		return false
	}
	return tok.GrantsScope(scope)
}

// AccessToken returns a live access token, refreshing first when the
// stored one is expired or close to it.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	tok, err := m.load()
	if err != nil {
		return "", err
	}
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", fmt.Errorf("access token expired and no refresh token stored: %w", ErrNotConnected)
	}
	refreshed, err := m.refresh(ctx, tok)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Disconnect deletes the stored credential.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	if err := m.secrets.Delete(m.cfg.Identity); err != nil {
		return err
	}
	logging.OAuth("Disconnected identity %s", m.cfg.Identity)
	return nil
}

// Connect runs the full loopback flow: start the callback server, hand
// the consent URL to prompt, wait for the single-use callback, exchange
// the code, and persist the bundle. The whole round trip is bounded by
// a 120 second ceiling. A second Connect while one is waiting returns
// ErrFlowInFlight.
func (m *Manager) Connect(ctx context.Context, prompt func(authURL string)) error {
	m.flowMu.Lock()
	if m.inFlight {
		m.flowMu.Unlock()
		return ErrFlowInFlight
	}
	m.inFlight = true
	m.flowMu.Unlock()
	defer func() {
		m.flowMu.Lock()
		m.inFlight = false
		m.flowMu.Unlock()
	}()

	if m.cfg.ClientID == "" {
		return errors.New("oauth client id not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, flowTimeout)
	defer cancel()

	state, err := newState()
	if err != nil {
		return err
	}
	verifier, err := newVerifier()
	if err != nil {
		return err
	}
	challenge := challengeFor(verifier)

	srv, err := newCallbackServer(m.cfg.Port, state)
	if err != nil {
		return fmt.Errorf("failed to start callback server: %w", err)
	}
	defer srv.shutdown()

	authURL := m.authorizeURL(srv.redirectURI(), state, challenge)
	logging.OAuth("Authorization started for %s (callback %s)", m.cfg.Identity, srv.redirectURI())
	if prompt != nil {
		prompt(authURL)
	}

	code, err := srv.wait(ctx)
	if err != nil {
		logging.OAuthWarn("Authorization for %s did not complete: %v", m.cfg.Identity, err)
		return err
	}

	tok, err := m.exchange(ctx, code, verifier, srv.redirectURI())
	if err != nil {
		return err
	}
	if err := m.save(tok); err != nil {
		return err
	}
	logging.OAuth("Authorization complete for %s (scopes: %s)", m.cfg.Identity, tok.Scope)
	return nil
}

// authorizeURL builds the consent URL with the PKCE challenge.
func (m *Manager) authorizeURL(redirectURI, state, challenge string) string {
	params := url.Values{}
	params.Set("client_id", m.cfg.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(m.cfg.Scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")
	return m.cfg.Endpoints.AuthURL + "?" + params.Encode()
}

// exchange trades the authorization code for a token bundle.
func (m *Manager) exchange(ctx context.Context, code, verifier, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}
	form.Set("redirect_uri", redirectURI)
	return m.tokenRequest(ctx, form)
}

// refresh trades the refresh token for a new access token. Google omits
// the refresh token from refresh responses, so the old one is kept.
func (m *Manager) refresh(ctx context.Context, old *Token) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", old.RefreshToken)
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}

	tok, err := m.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}
	if tok.Scope == "" {
		tok.Scope = old.Scope
	}
	if err := m.save(tok); err != nil {
		return nil, err
	}
	logging.OAuthDebug("Refreshed access token for %s (expires %s)", m.cfg.Identity, tok.Expiry.Format(time.RFC3339))
	return tok, nil
}

func (m *Manager) tokenRequest(ctx context.Context, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wire struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if wire.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &Token{
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
		TokenType:    wire.TokenType,
		Scope:        wire.Scope,
		Expiry:       time.Now().Add(time.Duration(wire.ExpiresIn) * time.Second),
	}, nil
}

// load returns the cached token, falling back to the secret store.
func (m *Manager) load() (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != nil {
		return m.token, nil
	}

	raw, err := m.secrets.Get(m.cfg.Identity)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		// A bundle that no longer parses is unusable. Drop it so the next
		// connect starts clean.
		_ = m.secrets.Delete(m.cfg.Identity)
		return nil, fmt.Errorf("stored token for %s is corrupt: %w", m.cfg.Identity, err)
	}
	m.token = &tok
	return m.token, nil
}

func (m *Manager) save(tok *Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := m.secrets.Set(m.cfg.Identity, raw); err != nil {
		return err
	}
	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	return nil
}

// newState returns the CSRF state: 16 random bytes, hex encoded.
func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newVerifier returns the PKCE code verifier: 32 random bytes, unpadded
// base64url.
func newVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeFor derives the S256 code challenge from a verifier.
func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// callbackServer is the single-use loopback listener. The first request
// that reaches the callback path consumes it; every later request gets
// 410 Gone.
type callbackServer struct {
	listener net.Listener
	server   *http.Server
	state    string

	mu       sync.Mutex
	consumed bool

	codeCh chan string
	errCh  chan error
}

func newCallbackServer(port int, state string) (*callbackServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}

	s := &callbackServer{
		listener: ln,
		state:    state,
		codeCh:   make(chan string, 1),
		errCh:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, s.handle)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()
	return s, nil
}

func (s *callbackServer) redirectURI() string {
	return fmt.Sprintf("http://%s%s", s.listener.Addr().String(), callbackPath)
}

func (s *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.consumed {
		s.mu.Unlock()
		http.Error(w, "authorization already handled", http.StatusGone)
		return
	}
	s.consumed = true
	s.mu.Unlock()

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		s.errCh <- fmt.Errorf("authorization denied: %s", errCode)
		fmt.Fprint(w, "Authorization failed. You can close this window.")
		return
	}
	if q.Get("state") != s.state {
		s.errCh <- errors.New("state mismatch in callback")
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		s.errCh <- errors.New("callback missing authorization code")
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	s.codeCh <- code
	fmt.Fprint(w, "Authorization complete. You can close this window.")
}

// wait blocks until the callback fires or the context expires.
func (s *callbackServer) wait(ctx context.Context) (string, error) {
	select {
	case code := <-s.codeCh:
		return code, nil
	case err := <-s.errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("authorization timed out: %w", ctx.Err())
	}
}

func (s *callbackServer) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}
