package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tujitume/internal/apiclient"
	"github.com/hitoshi/tujitume/internal/gig"
	"github.com/hitoshi/tujitume/internal/identity"
	"github.com/hitoshi/tujitume/internal/storage"
)

// syncBuffer はgoroutineから安全に書き込めるログバッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeProvider はテスト用のProvider実装。
type fakeProvider struct {
	mu           sync.Mutex
	now          func() time.Time
	signInErr    error
	refreshErr   error
	refreshCalls int
	updateCalls  int
	resetEmails  []string
}

func (p *fakeProvider) credential(uid, email, name string) *identity.Credential {
	now := p.now()
	return &identity.Credential{
		UserID:       uid,
		Email:        email,
		DisplayName:  name,
		IDToken:      "token-initial",
		RefreshToken: "refresh-" + uid,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func (p *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signInErr != nil {
		return nil, p.signInErr
	}
	return p.credential("uid-1", email, ""), nil
}

func (p *fakeProvider) SignUp(ctx context.Context, email, password string) (*identity.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signInErr != nil {
		return nil, p.signInErr
	}
	return p.credential("uid-new", email, ""), nil
}

func (p *fakeProvider) UpdateProfile(ctx context.Context, cred *identity.Credential, displayName string) (*identity.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateCalls++
	updated := *cred
	updated.DisplayName = displayName
	return &updated, nil
}

func (p *fakeProvider) SendPasswordReset(ctx context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetEmails = append(p.resetEmails, email)
	if email == "missing@example.com" {
		return &identity.Error{Code: identity.CodeUserNotFound}
	}
	return nil
}

func (p *fakeProvider) SignInWithIdP(ctx context.Context, idToken, requestURI string) (*identity.Credential, error) {
	if idToken != "google-id-token" {
		return nil, &identity.Error{Code: identity.CodeInvalidCredential}
	}
	return p.credential("uid-google", "g@example.com", "Google User"), nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*identity.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	now := p.now()
	return &identity.Credential{
		UserID:       "uid-1",
		Email:        "a@example.com",
		IDToken:      fmt.Sprintf("token-%d", p.refreshCalls),
		RefreshToken: refreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}, nil
}

func (p *fakeProvider) refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

// fakeRegistrar はテスト用のRegistrar実装。
type fakeRegistrar struct {
	mu    sync.Mutex
	err   error
	users []gig.RegisterUser
}

func (r *fakeRegistrar) RegisterUser(ctx context.Context, idToken string, user gig.RegisterUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, user)
	return r.err
}

func (r *fakeRegistrar) registered() []gig.RegisterUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gig.RegisterUser(nil), r.users...)
}

// fakeRedirect はテスト用のRedirectFlow実装。
type fakeRedirect struct{}

func (fakeRedirect) GetLoginURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (fakeRedirect) ExchangeCode(ctx context.Context, code string) (string, error) {
	if code != "good-code" {
		return "", errors.New("invalid_grant")
	}
	return "google-id-token", nil
}

func (fakeRedirect) RedirectURL() string { return "http://localhost:8080/__/auth/handler" }

type testEnv struct {
	manager   *Manager
	provider  *fakeProvider
	registrar *fakeRegistrar
	store     *storage.MemoryStore
	logs      *syncBuffer
	states    chan State
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		provider:  &fakeProvider{now: time.Now},
		registrar: &fakeRegistrar{},
		store:     storage.NewMemoryStore(),
		logs:      &syncBuffer{},
		states:    make(chan State, 64),
	}
	if opts.Registrar == nil {
		opts.Registrar = env.registrar
	}
	if opts.Redirect == nil {
		opts.Redirect = fakeRedirect{}
	}
	env.manager = NewManager(env.provider, env.store, newTestLogger(env.logs), opts)
	t.Cleanup(env.manager.Close)
	return env
}

func (e *testEnv) subscribe() func() {
	return e.manager.OnStateChange(func(s State) { e.states <- s })
}

func (e *testEnv) next(t *testing.T) State {
	t.Helper()
	select {
	case s := <-e.states:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("状態変化イベントがタイムアウトしました")
		return State{}
	}
}

func (e *testEnv) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case s := <-e.states:
		t.Fatalf("unexpected event: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_Start_NoPersistedSession_EmitsAbsent(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.subscribe()
	env.manager.Start(context.Background())

	if s := env.next(t); s.Present() {
		t.Errorf("最初のイベントは未認証であるべき: %+v", s)
	}
	if _, ok := env.manager.CurrentIdentity(); ok {
		t.Error("CurrentIdentity should be absent")
	}
}

func TestManager_SignInWithPassword_PersistsAndNotifies(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.manager.Start(context.Background())
	env.subscribe()
	env.next(t) // 現在の状態（未認証）

	id, err := env.manager.SignInWithPassword(context.Background(), "alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id.UID != "uid-1" {
		t.Errorf("UID = %q, want uid-1", id.UID)
	}

	s := env.next(t)
	if !s.Present() || s.Identity.UID != "uid-1" {
		t.Fatalf("expected present identity, got %+v", s)
	}

	for key, want := range map[string]string{
		storage.KeyToken:        "token-initial",
		storage.KeyUserID:       "uid-1",
		storage.KeyRefreshToken: "refresh-uid-1",
	} {
		if got, _, _ := env.store.Get(key); got != want {
			t.Errorf("store[%s] = %q, want %q", key, got, want)
		}
	}

	// 購読者への配信より前にバックエンド登録が完了している
	users := env.registrar.registered()
	if len(users) != 1 {
		t.Fatalf("registrations = %d, want 1", len(users))
	}
	if users[0].Name != "alice" || users[0].UID != "uid-1" {
		t.Errorf("unexpected registration: %+v", users[0])
	}
}

func TestManager_SignInWithPassword_ProviderErrorPropagates(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.provider.signInErr = &identity.Error{Code: identity.CodeTooManyRequests, Message: "TOO_MANY_ATTEMPTS_TRY_LATER"}
	env.manager.Start(context.Background())
	env.subscribe()
	env.next(t)

	_, err := env.manager.SignInWithPassword(context.Background(), "a@example.com", "x")
	if identity.CodeOf(err) != identity.CodeTooManyRequests {
		t.Fatalf("CodeOf(err) = %q, want too-many-requests", identity.CodeOf(err))
	}
	env.expectNoEvent(t)
	if _, ok, _ := env.store.Get(storage.KeyToken); ok {
		t.Error("token must not be persisted on failure")
	}
}

func TestManager_Registration_ConflictAndFailureAreSwallowed(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantErrLog bool
	}{
		{"already registered", apiclient.ErrAlreadyRegistered, false},
		{"backend failure", &apiclient.Error{StatusCode: 500}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			env.registrar.err = tt.err
			env.manager.Start(context.Background())
			env.subscribe()
			env.next(t)

			if _, err := env.manager.SignInWithPassword(context.Background(), "a@example.com", "x"); err != nil {
				t.Fatalf("registration errors must not propagate: %v", err)
			}
			if s := env.next(t); !s.Present() {
				t.Fatal("session should be present")
			}

			logged := strings.Contains(env.logs.String(), "バックエンドとのユーザー同期に失敗しました")
			if logged != tt.wantErrLog {
				t.Errorf("error logged = %v, want %v\nlogs: %s", logged, tt.wantErrLog, env.logs.String())
			}
		})
	}
}

func TestManager_SignOut_ClearsPersistedState(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.manager.Start(context.Background())
	env.subscribe()
	env.next(t)

	env.manager.SignInWithPassword(context.Background(), "a@example.com", "x")
	env.next(t)
	env.store.Set(storage.KeyInstallDismissed, "1")

	if err := env.manager.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if s := env.next(t); s.Present() {
		t.Fatal("expected absent after sign-out")
	}

	for _, key := range []string{storage.KeyToken, storage.KeyUserID, storage.KeyRefreshToken} {
		if _, ok, _ := env.store.Get(key); ok {
			t.Errorf("%s should be cleared", key)
		}
	}
	if _, ok, _ := env.store.Get(storage.KeyInstallDismissed); !ok {
		t.Error("unrelated keys must be kept")
	}
	if _, ok := env.manager.GetToken(context.Background(), false); ok {
		t.Error("GetToken should return none after sign-out")
	}
}

// 任意のサインイン・サインアウト列に対して、配信される状態と現在の状態は常に一致する。
func TestManager_StateSequence_ExactlyOneOfPresentOrAbsent(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.manager.Start(context.Background())
	env.subscribe()
	env.next(t)

	ops := []bool{true, false, false, true, true, false, true}
	for _, signIn := range ops {
		if signIn {
			env.manager.SignInWithPassword(context.Background(), "a@example.com", "x")
		} else {
			env.manager.SignOut(context.Background())
		}
		s := env.next(t)
		if s.Present() != signIn {
			t.Fatalf("event Present = %v, want %v", s.Present(), signIn)
		}
		_, present := env.manager.CurrentIdentity()
		_, hasToken, _ := env.store.Get(storage.KeyToken)
		if present != signIn || hasToken != signIn {
			t.Fatalf("present=%v token=%v, want both %v", present, hasToken, signIn)
		}
	}
}

func TestManager_GetToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	env := newTestEnv(t, Options{Now: clock})
	env.provider.now = clock
	env.manager.Start(context.Background())

	if _, ok := env.manager.GetToken(context.Background(), false); ok {
		t.Fatal("GetToken without identity should return none")
	}

	env.manager.SignInWithPassword(context.Background(), "a@example.com", "x")

	token, ok := env.manager.GetToken(context.Background(), false)
	if !ok || token != "token-initial" {
		t.Errorf("GetToken(false) = %q, %v; want cached token", token, ok)
	}
	if env.provider.refreshes() != 0 {
		t.Error("cached token should not hit the provider")
	}

	token, ok = env.manager.GetToken(context.Background(), true)
	if !ok || token != "token-1" {
		t.Errorf("GetToken(true) = %q, %v; want token-1", token, ok)
	}
	if got, _, _ := env.store.Get(storage.KeyToken); got != "token-1" {
		t.Errorf("persisted token = %q, want token-1", got)
	}

	// 失効5分前を切ったら自動でリフレッシュする
	advance(56 * time.Minute)
	token, ok = env.manager.GetToken(context.Background(), false)
	if !ok || token != "token-2" {
		t.Errorf("GetToken near expiry = %q, %v; want token-2", token, ok)
	}

	env.provider.mu.Lock()
	env.provider.refreshErr = &identity.Error{Code: identity.CodeUnknown}
	env.provider.mu.Unlock()

	token, ok = env.manager.GetToken(context.Background(), true)
	if ok || token != "" {
		t.Errorf("GetToken on provider error = %q, %v; want none", token, ok)
	}
	if !strings.Contains(env.logs.String(), "トークンの取得に失敗しました") {
		t.Error("provider error should be logged")
	}
	if _, present := env.manager.CurrentIdentity(); !present {
		t.Error("refresh failure must not end the session")
	}
}

func TestManager_RefreshLoop_RunsWhilePresentAndStopsOnSignOut(t *testing.T) {
	env := newTestEnv(t, Options{RefreshInterval: 10 * time.Millisecond})
	env.manager.Start(context.Background())

	env.manager.SignInWithPassword(context.Background(), "a@example.com", "x")

	waitFor(t, func() bool { return env.provider.refreshes() >= 2 }, "定期リフレッシュが実行されませんでした")

	waitFor(t, func() bool {
		token, _, _ := env.store.Get(storage.KeyToken)
		return strings.HasPrefix(token, "token-") && token != "token-initial"
	}, "リフレッシュ後のトークンが保存されていません")

	env.manager.SignOut(context.Background())
	after := env.provider.refreshes()
	time.Sleep(60 * time.Millisecond)
	if got := env.provider.refreshes(); got > after+1 {
		t.Errorf("refresh loop kept running after sign-out: %d -> %d", after, got)
	}
	if _, ok, _ := env.store.Get(storage.KeyToken); ok {
		t.Error("in-flight refresh must not re-persist the token after sign-out")
	}
}

func TestManager_Start_RestoresFromRefreshToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.store.Set(storage.KeyRefreshToken, "persisted-refresh")
	env.subscribe()

	env.manager.Start(context.Background())

	env.next(t) // 購読時点の状態（未認証）
	s := env.next(t)
	if !s.Present() || s.Identity.UID != "uid-1" {
		t.Fatalf("expected restored identity, got %+v", s)
	}
	if got, _, _ := env.store.Get(storage.KeyToken); got != "token-1" {
		t.Errorf("token = %q, want token-1", got)
	}
}

func TestManager_Start_RestoreFailureClearsState(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.provider.refreshErr = &identity.Error{Code: identity.CodeSessionExpired}
	env.store.Set(storage.KeyRefreshToken, "revoked")
	env.store.Set(storage.KeyToken, "stale")
	env.subscribe()

	env.manager.Start(context.Background())

	if s := env.next(t); s.Present() {
		t.Fatal("expected absent after failed restore")
	}
	if _, ok, _ := env.store.Get(storage.KeyToken); ok {
		t.Error("stale token should be cleared")
	}
}

func TestManager_SignUpWithEmail_SetsDisplayName(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.manager.Start(context.Background())
	env.subscribe()
	env.next(t)

	id, err := env.manager.SignUpWithEmail(context.Background(), "new@example.com", "secret1", "Newbie")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id.DisplayName != "Newbie" {
		t.Errorf("DisplayName = %q, want Newbie", id.DisplayName)
	}
	env.next(t)
	users := env.registrar.registered()
	if len(users) != 1 || users[0].Name != "Newbie" {
		t.Errorf("unexpected registrations: %+v", users)
	}
}

func TestManager_ResetPassword_PropagatesProviderError(t *testing.T) {
	env := newTestEnv(t, Options{})

	if err := env.manager.ResetPassword(context.Background(), "a@example.com"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	err := env.manager.ResetPassword(context.Background(), "missing@example.com")
	if identity.CodeOf(err) != identity.CodeUserNotFound {
		t.Errorf("CodeOf(err) = %q, want user-not-found", identity.CodeOf(err))
	}
}

func TestManager_RedirectFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.manager.Start(context.Background())
	env.subscribe()
	env.next(t)

	// 保留中のリダイレクトがない場合は何もしない
	handled, err := env.manager.CheckRedirectResult(context.Background(), url.Values{"code": {"good-code"}})
	if handled || err != nil {
		t.Fatalf("no pending redirect: handled=%v err=%v", handled, err)
	}

	loginURL, err := env.manager.SignInWithRedirect()
	if err != nil {
		t.Fatalf("SignInWithRedirect: %v", err)
	}
	u, _ := url.Parse(loginURL)
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("login URL must carry state")
	}

	handled, err = env.manager.CheckRedirectResult(context.Background(), url.Values{"code": {"good-code"}, "state": {state}})
	if !handled || err != nil {
		t.Fatalf("CheckRedirectResult: handled=%v err=%v", handled, err)
	}
	s := env.next(t)
	if !s.Present() || s.Identity.UID != "uid-google" {
		t.Fatalf("expected google identity, got %+v", s)
	}

	// 同じ結果は二度確定しない
	handled, err = env.manager.CheckRedirectResult(context.Background(), url.Values{"code": {"good-code"}, "state": {state}})
	if handled || err != nil {
		t.Errorf("second check: handled=%v err=%v, want false/nil", handled, err)
	}
}

func TestManager_RedirectFlow_Errors(t *testing.T) {
	tests := []struct {
		name     string
		params   func(state string) url.Values
		wantCode identity.Code
	}{
		{"user cancelled", func(string) url.Values { return url.Values{"error": {"access_denied"}} }, identity.CodeUserCancelled},
		{"state mismatch", func(string) url.Values { return url.Values{"code": {"good-code"}, "state": {"other"}} }, identity.CodeInvalidCredential},
		{"missing code", func(s string) url.Values { return url.Values{"state": {s}} }, identity.CodeInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			loginURL, _ := env.manager.SignInWithRedirect()
			u, _ := url.Parse(loginURL)

			handled, err := env.manager.CheckRedirectResult(context.Background(), tt.params(u.Query().Get("state")))
			if !handled {
				t.Error("pending redirect should be handled")
			}
			if identity.CodeOf(err) != tt.wantCode {
				t.Errorf("CodeOf(err) = %q, want %q", identity.CodeOf(err), tt.wantCode)
			}
			if _, ok := env.manager.CurrentIdentity(); ok {
				t.Error("identity must stay absent")
			}
		})
	}
}

func TestManager_Unsubscribe_StopsDelivery(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.manager.Start(context.Background())
	unsubscribe := env.subscribe()
	env.next(t)

	unsubscribe()
	unsubscribe() // 冪等

	env.manager.SignInWithPassword(context.Background(), "a@example.com", "x")
	env.expectNoEvent(t)
}

func TestManager_LateSubscriberReceivesCurrentStateFirst(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.manager.Start(context.Background())
	env.manager.SignInWithPassword(context.Background(), "a@example.com", "x")

	env.subscribe()
	s := env.next(t)
	if !s.Present() {
		t.Fatal("late subscriber should first see the current (present) state")
	}
	env.expectNoEvent(t)
}
