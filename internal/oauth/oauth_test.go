package oauth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/secrets"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSecrets(t *testing.T) *secrets.Store {
	t.Helper()
	dir := t.TempDir()
	cipher, err := secrets.NewLocalCipher(dir)
	if err != nil {
		t.Fatalf("NewLocalCipher failed: %v", err)
	}
	return secrets.NewStore(dir, cipher)
}

func TestStateFormat(t *testing.T) {
	a, err := newState()
	if err != nil {
		t.Fatalf("newState failed: %v", err)
	}
	raw, err := hex.DecodeString(a)
	if err != nil {
		t.Fatalf("State is not hex: %v", err)
	}
	if len(raw) != 16 {
		t.Errorf("Expected 16 state bytes, got %d", len(raw))
	}

	b, err := newState()
	if err != nil {
		t.Fatalf("Second newState failed: %v", err)
	}
	if a == b {
		t.Error("Two states should not collide")
	}
}

func TestVerifierAndChallenge(t *testing.T) {
	verifier, err := newVerifier()
	if err != nil {
		t.Fatalf("newVerifier failed: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(verifier)
	if err != nil {
		t.Fatalf("Verifier is not unpadded base64url: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("Expected 32 verifier bytes, got %d", len(raw))
	}

	challenge := challengeFor(verifier)
	if strings.ContainsAny(challenge, "+/=") {
		t.Errorf("Challenge must be unpadded base64url, got %q", challenge)
	}
	if got, err := base64.RawURLEncoding.DecodeString(challenge); err != nil || len(got) != 32 {
		t.Errorf("Challenge should decode to a 32-byte digest (err=%v len=%d)", err, len(got))
	}
	if challengeFor(verifier) != challenge {
		t.Error("Challenge derivation should be deterministic")
	}
}

func TestTokenGrantsScope(t *testing.T) {
	tok := &Token{Scope: "https://www.googleapis.com/auth/gmail.compose https://www.googleapis.com/auth/tasks"}

	tests := []struct {
		scope string
		want  bool
	}{
		{"https://www.googleapis.com/auth/gmail.compose", true},
		{"https://www.googleapis.com/auth/tasks", true},
		{"https://www.googleapis.com/auth/gmail", false},
		{"https://www.googleapis.com/auth/gmail.readonly", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tok.GrantsScope(tt.scope); got != tt.want {
			t.Errorf("GrantsScope(%q) = %v, want %v", tt.scope, got, tt.want)
		}
	}

	var nilTok *Token
	if nilTok.GrantsScope("anything") {
		t.Error("nil token should grant nothing")
	}
}

func TestConnectExchangesCodeAndPersists(t *testing.T) {
	var (
		gotVerifier  string
		gotChallenge string
		gotGrant     string
	)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("Token endpoint got unparseable form: %v", err)
		}
		gotGrant = r.PostFormValue("grant_type")
		gotVerifier = r.PostFormValue("code_verifier")
		if code := r.PostFormValue("code"); code != "auth-code-1" {
			t.Errorf("Expected code auth-code-1, got %q", code)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"scope":         "https://www.googleapis.com/auth/gmail.compose https://www.googleapis.com/auth/tasks",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	sec := newTestSecrets(t)
	m := NewManager(Config{
		Identity:  "google",
		ClientID:  "client-1",
		Endpoints: Endpoints{AuthURL: "https://accounts.example.com/auth", TokenURL: tokenSrv.URL},
		Scopes:    []string{"https://www.googleapis.com/auth/gmail.compose", "https://www.googleapis.com/auth/tasks"},
	}, sec)
	defer m.client.CloseIdleConnections()

	browser := &http.Client{}
	defer browser.CloseIdleConnections()

	err := m.Connect(context.Background(), func(authURL string) {
		u, err := url.Parse(authURL)
		if err != nil {
			t.Errorf("Auth URL unparseable: %v", err)
			return
		}
		q := u.Query()
		if q.Get("code_challenge_method") != "S256" {
			t.Errorf("Expected S256 challenge method, got %q", q.Get("code_challenge_method"))
		}
		if q.Get("response_type") != "code" {
			t.Errorf("Expected response_type=code, got %q", q.Get("response_type"))
		}
		if q.Get("access_type") != "offline" {
			t.Errorf("Expected access_type=offline, got %q", q.Get("access_type"))
		}
		state := q.Get("state")
		if raw, err := hex.DecodeString(state); err != nil || len(raw) != 16 {
			t.Errorf("State should be 16 hex bytes, got %q", state)
		}
		gotChallenge = q.Get("code_challenge")

		// Simulate the user completing consent: the provider redirects the
		// browser to the loopback callback.
		cb := q.Get("redirect_uri") + "?state=" + url.QueryEscape(state) + "&code=auth-code-1"
		resp, err := browser.Get(cb)
		if err != nil {
			t.Errorf("Callback request failed: %v", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Callback returned %d", resp.StatusCode)
		}
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if gotGrant != "authorization_code" {
		t.Errorf("Expected authorization_code grant, got %q", gotGrant)
	}
	if challengeFor(gotVerifier) != gotChallenge {
		t.Error("Exchange verifier does not match the challenge sent to consent")
	}

	if !m.HasScope("https://www.googleapis.com/auth/gmail.compose") {
		t.Error("Compose scope should be granted after connect")
	}
	if m.HasScope("https://www.googleapis.com/auth/gmail.readonly") {
		t.Error("Ungrant scope reported as granted")
	}

	// A fresh manager over the same store sees the persisted bundle.
	m2 := NewManager(Config{Identity: "google", ClientID: "client-1"}, sec)
	if !m2.Connected() {
		t.Error("Persisted token should survive a manager restart")
	}
	tok, err := m2.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if tok != "at-1" {
		t.Errorf("Expected at-1, got %q", tok)
	}
}

func TestCallbackSingleUse(t *testing.T) {
	srv, err := newCallbackServer(0, "feedfacefeedfacefeedfacefeedface")
	if err != nil {
		t.Fatalf("newCallbackServer failed: %v", err)
	}
	defer srv.shutdown()

	client := &http.Client{}
	defer client.CloseIdleConnections()

	first, err := client.Get(srv.redirectURI() + "?state=feedfacefeedfacefeedfacefeedface&code=c1")
	if err != nil {
		t.Fatalf("First callback failed: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Errorf("First callback returned %d", first.StatusCode)
	}

	second, err := client.Get(srv.redirectURI() + "?state=feedfacefeedfacefeedfacefeedface&code=c2")
	if err != nil {
		t.Fatalf("Second callback failed: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusGone {
		t.Errorf("Second callback should get 410, got %d", second.StatusCode)
	}

	code, err := srv.wait(context.Background())
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if code != "c1" {
		t.Errorf("Expected first code to win, got %q", code)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	srv, err := newCallbackServer(0, "00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("newCallbackServer failed: %v", err)
	}
	defer srv.shutdown()

	client := &http.Client{}
	defer client.CloseIdleConnections()

	resp, err := client.Get(srv.redirectURI() + "?state=wrong&code=c1")
	if err != nil {
		t.Fatalf("Callback failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Mismatched state should get 400, got %d", resp.StatusCode)
	}

	if _, err := srv.wait(context.Background()); err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Errorf("Expected state mismatch error, got %v", err)
	}
}

func TestConnectRejectsDuplicateFlow(t *testing.T) {
	sec := newTestSecrets(t)
	m := NewManager(Config{
		Identity:  "google",
		ClientID:  "client-1",
		Endpoints: GoogleEndpoints(),
	}, sec)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- m.Connect(ctx, func(string) {
			close(started)
			<-release
		})
	}()

	<-started
	if err := m.Connect(context.Background(), nil); !errors.Is(err, ErrFlowInFlight) {
		t.Errorf("Expected ErrFlowInFlight for duplicate call, got %v", err)
	}

	cancel()
	close(release)
	if err := <-done; err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation error from first flow, got %v", err)
	}

	// The lock is released; a new flow may start.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()
	if err := m.Connect(shortCtx, nil); errors.Is(err, ErrFlowInFlight) {
		t.Error("Lock should be released after the first flow ends")
	}
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	var gotGrant, gotRefresh string
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotGrant = r.PostFormValue("grant_type")
		gotRefresh = r.PostFormValue("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		// Google omits refresh_token and scope on refresh.
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-new",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	sec := newTestSecrets(t)
	m := NewManager(Config{
		Identity:  "google",
		ClientID:  "client-1",
		Endpoints: Endpoints{TokenURL: tokenSrv.URL},
	}, sec)
	defer m.client.CloseIdleConnections()

	seed := &Token{
		AccessToken:  "at-old",
		RefreshToken: "rt-keep",
		Scope:        "https://www.googleapis.com/auth/tasks",
		Expiry:       time.Now().Add(-time.Hour),
	}
	if err := m.save(seed); err != nil {
		t.Fatalf("Failed to seed token: %v", err)
	}

	got, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if got != "at-new" {
		t.Errorf("Expected refreshed token at-new, got %q", got)
	}
	if gotGrant != "refresh_token" || gotRefresh != "rt-keep" {
		t.Errorf("Refresh request malformed: grant=%q refresh=%q", gotGrant, gotRefresh)
	}

	// Refresh keeps the old refresh token and scope when the response
	// omits them, and the result is persisted.
	m2 := NewManager(Config{Identity: "google", Endpoints: Endpoints{TokenURL: tokenSrv.URL}}, sec)
	tok, err := m2.load()
	if err != nil {
		t.Fatalf("Reload after refresh failed: %v", err)
	}
	if tok.RefreshToken != "rt-keep" {
		t.Errorf("Refresh token should be preserved, got %q", tok.RefreshToken)
	}
	if !tok.GrantsScope("https://www.googleapis.com/auth/tasks") {
		t.Error("Scope should be preserved across refresh")
	}
	if tok.AccessToken != "at-new" {
		t.Errorf("Persisted access token should be at-new, got %q", tok.AccessToken)
	}
}

func TestAccessTokenNotConnected(t *testing.T) {
	m := NewManager(Config{Identity: "google"}, newTestSecrets(t))

	if m.Connected() {
		t.Error("Empty store should read as not connected")
	}
	if m.HasScope("https://www.googleapis.com/auth/tasks") {
		t.Error("Not-connected manager should grant no scopes")
	}
	if _, err := m.AccessToken(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectDeletesBundle(t *testing.T) {
	sec := newTestSecrets(t)
	m := NewManager(Config{Identity: "google"}, sec)
	if err := m.save(&Token{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if !m.Connected() {
		t.Fatal("Seeded manager should be connected")
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if m.Connected() {
		t.Error("Disconnect should remove the stored bundle")
	}
	if _, err := sec.Get("google"); !errors.Is(err, secrets.ErrNotFound) {
		t.Errorf("Credential file should be gone, got %v", err)
	}
}
