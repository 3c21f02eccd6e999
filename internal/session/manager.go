// Package session は認証セッションのライフサイクルを管理する。
//
// Managerは現在のアイデンティティを高々1つ保持し、状態変化を単一のディスパッチャ
// goroutineから購読者へ順序通りに配信する。アイデンティティが存在する間は
// バックグラウンドでトークンを定期的にリフレッシュし、永続ストアに書き込む。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/tujitume/internal/apiclient"
	"github.com/hitoshi/tujitume/internal/gig"
	"github.com/hitoshi/tujitume/internal/identity"
	"github.com/hitoshi/tujitume/internal/model"
	"github.com/hitoshi/tujitume/internal/storage"
)

const (
	// DefaultRefreshInterval はトークンの定期リフレッシュ間隔。
	// IdPのトークン有効期間（60分）より短くする。
	DefaultRefreshInterval = 50 * time.Minute
	// DefaultExpirySkew は失効が近いとみなして事前にリフレッシュする猶予。
	DefaultExpirySkew = 5 * time.Minute

	registerTimeout = 10 * time.Second
)

// Provider はIdPの操作を抽象化する。
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Credential, error)
	SignUp(ctx context.Context, email, password string) (*identity.Credential, error)
	UpdateProfile(ctx context.Context, cred *identity.Credential, displayName string) (*identity.Credential, error)
	SendPasswordReset(ctx context.Context, email string) error
	SignInWithIdP(ctx context.Context, idToken, requestURI string) (*identity.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*identity.Credential, error)
}

// RedirectFlow はリダイレクト方式のサインインを提供する。
type RedirectFlow interface {
	GetLoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
	RedirectURL() string
}

// Registrar はアイデンティティをバックエンドに登録する。
// 登録済みの場合はapiclient.ErrAlreadyRegisteredを返す。
type Registrar interface {
	RegisterUser(ctx context.Context, idToken string, user gig.RegisterUser) error
}

// RefreshRecorder はトークンリフレッシュの結果を記録する。
type RefreshRecorder interface {
	RecordTokenRefresh(success bool)
}

// State は状態変化イベント。Identityがnilの場合は未認証を表す。
type State struct {
	Identity *model.Identity
}

// Present はアイデンティティが存在するかを返す。
func (s State) Present() bool {
	return s.Identity != nil
}

// Options はManagerの任意設定。
type Options struct {
	Redirect        RedirectFlow
	Registrar       Registrar
	Metrics         RefreshRecorder
	RefreshInterval time.Duration
	ExpirySkew      time.Duration
	Now             func() time.Time
}

// errSessionChanged はリフレッシュ中にサインアウトまたは別のサインインが行われたことを示す。
var errSessionChanged = errors.New("session changed during refresh")

type subscriber struct {
	fn    func(State)
	since uint64
}

type event struct {
	seq      uint64
	state    State
	target   uuid.UUID
	register *gig.RegisterUser
	idToken  string
}

// Manager は認証セッションを管理する。
type Manager struct {
	provider  Provider
	redirect  RedirectFlow
	registrar Registrar
	store     storage.Store
	logger    *slog.Logger
	metrics   RefreshRecorder

	refreshInterval time.Duration
	expirySkew      time.Duration
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	session       *model.Session
	generation    uint64
	refreshCancel context.CancelFunc
	subscribers   map[uuid.UUID]subscriber
	queue         []event
	nextSeq       uint64
	started       bool

	wake chan struct{}
}

// NewManager はManagerを生成する。Startを呼ぶまでイベントは配信されない。
func NewManager(provider Provider, store storage.Store, logger *slog.Logger, opts Options) *Manager {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.ExpirySkew <= 0 {
		opts.ExpirySkew = DefaultExpirySkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:        provider,
		redirect:        opts.Redirect,
		registrar:       opts.Registrar,
		store:           store,
		logger:          logger,
		metrics:         opts.Metrics,
		refreshInterval: opts.RefreshInterval,
		expirySkew:      opts.ExpirySkew,
		now:             opts.Now,
		ctx:             ctx,
		cancel:          cancel,
		subscribers:     make(map[uuid.UUID]subscriber),
		wake:            make(chan struct{}, 1),
	}
}

// Start はディスパッチャを起動し、永続化されたリフレッシュトークンから
// セッションを復元する。復元に失敗した場合は未認証として扱う。
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatch()

	refreshToken, ok, err := m.store.Get(storage.KeyRefreshToken)
	if err != nil {
		m.logger.Warn("リフレッシュトークンの読み込みに失敗しました", slog.String("error", err.Error()))
	}
	if !ok || refreshToken == "" {
		m.setSession(nil, false)
		return
	}

	cred, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		m.metrics.RecordTokenRefresh(false)
		m.logger.Warn("セッションの復元に失敗しました",
			slog.String("code", string(identity.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		m.setSession(nil, false)
		return
	}
	m.metrics.RecordTokenRefresh(true)
	if cred.UserID == "" {
		if uid, ok, _ := m.store.Get(storage.KeyUserID); ok {
			cred.UserID = uid
		}
	}
	m.logger.Info("セッションを復元しました", slog.String("user_id", cred.UserID))
	m.setSession(cred, true)
}

// Close はリフレッシュループとディスパッチャを停止する。
// 永続化されたセッションは破棄しない。
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopRefreshLocked()
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// OnStateChange は状態変化の購読を登録する。
// fnはディスパッチャgoroutine上で呼ばれ、最初に現在の状態を受け取る。
// fnの中からManagerのサインイン・サインアウト操作を呼んでもよいが、
// その結果のイベントは次回以降の配信となる。返される関数で購読を解除する。
func (m *Manager) OnStateChange(fn func(State)) (unsubscribe func()) {
	id := uuid.New()

	m.mu.Lock()
	seq := m.nextSeq
	m.subscribers[id] = subscriber{fn: fn, since: seq}
	m.enqueueLocked(event{state: m.stateLocked(), target: id})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// CurrentIdentity は現在のアイデンティティを返す。未認証の場合はfalse。
func (m *Manager) CurrentIdentity() (model.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return model.Identity{}, false
	}
	return m.session.Identity, true
}

// GetToken は有効なトークンを返す。
// forceRefreshが真の場合、またはトークンの失効が近い場合はIdPに問い合わせる。
// 未認証の場合やIdPエラーの場合は空文字列とfalseを返す（エラーはログに記録する）。
func (m *Manager) GetToken(ctx context.Context, forceRefresh bool) (string, bool) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return "", false
	}
	current := *m.session
	gen := m.generation
	m.mu.Unlock()

	if !forceRefresh && !current.ExpiresWithin(m.now(), m.expirySkew) {
		return current.Token, true
	}

	token, err := m.refresh(ctx, current.RefreshToken, gen)
	if err != nil {
		m.logger.Error("トークンの取得に失敗しました", slog.String("error", err.Error()))
		return "", false
	}
	return token, true
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
// IdPのエラーは呼び出し元に返す。
func (m *Manager) SignInWithPassword(ctx context.Context, email, password string) (model.Identity, error) {
	cred, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		m.logger.Warn("サインインに失敗しました", slog.String("code", string(identity.CodeOf(err))))
		return model.Identity{}, err
	}
	m.setSession(cred, true)
	return identityFromCredential(cred), nil
}

// SignUpWithEmail はアカウントを作成してサインインする。
// displayNameが指定された場合はプロフィールに設定する。
func (m *Manager) SignUpWithEmail(ctx context.Context, email, password, displayName string) (model.Identity, error) {
	cred, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		m.logger.Warn("アカウント作成に失敗しました", slog.String("code", string(identity.CodeOf(err))))
		return model.Identity{}, err
	}

	if displayName != "" {
		cred, err = m.provider.UpdateProfile(ctx, cred, displayName)
		if err != nil {
			m.logger.Warn("表示名の設定に失敗しました", slog.String("code", string(identity.CodeOf(err))))
			return model.Identity{}, err
		}
	}

	m.setSession(cred, true)
	return identityFromCredential(cred), nil
}

// ResetPassword はパスワード再設定メールを送信する。
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	if err := m.provider.SendPasswordReset(ctx, email); err != nil {
		m.logger.Warn("パスワード再設定メールの送信に失敗しました", slog.String("code", string(identity.CodeOf(err))))
		return err
	}
	return nil
}

// SignInWithRedirect はリダイレクト方式のサインインを開始し、遷移先URLを返す。
// 完了時にはCheckRedirectResultで結果を確定する。
func (m *Manager) SignInWithRedirect() (string, error) {
	if m.redirect == nil {
		return "", errors.New("redirect sign-in is not configured")
	}
	state := uuid.NewString()
	if err := m.store.Set(storage.KeyAuthRedirectState, state); err != nil {
		return "", fmt.Errorf("failed to persist redirect state: %w", err)
	}
	return m.redirect.GetLoginURL(state), nil
}

// CheckRedirectResult はリダイレクトサインインの結果を確定する。
// 保留中のリダイレクトがない場合は(false, nil)を返す。
// 保留状態は結果に関わらず消費され、同じ結果を二度確定することはない。
func (m *Manager) CheckRedirectResult(ctx context.Context, params map[string][]string) (bool, error) {
	pending, ok, err := m.store.Get(storage.KeyAuthRedirectState)
	if err != nil {
		return false, fmt.Errorf("failed to read redirect state: %w", err)
	}
	if !ok || pending == "" {
		return false, nil
	}
	if err := m.store.Delete(storage.KeyAuthRedirectState); err != nil {
		m.logger.Warn("リダイレクト状態の削除に失敗しました", slog.String("error", err.Error()))
	}

	get := func(k string) string {
		if v := params[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	if e := get("error"); e != "" {
		if e == "access_denied" {
			return true, &identity.Error{Code: identity.CodeUserCancelled, Message: e}
		}
		return true, &identity.Error{Code: identity.CodeUnknown, Message: e}
	}
	if get("state") != pending {
		return true, &identity.Error{Code: identity.CodeInvalidCredential, Message: "state mismatch"}
	}
	code := get("code")
	if code == "" {
		return true, &identity.Error{Code: identity.CodeInvalidCredential, Message: "missing authorization code"}
	}

	idToken, err := m.redirect.ExchangeCode(ctx, code)
	if err != nil {
		m.logger.Warn("認可コードの交換に失敗しました", slog.String("error", err.Error()))
		return true, err
	}
	cred, err := m.provider.SignInWithIdP(ctx, idToken, m.redirect.RedirectURL())
	if err != nil {
		m.logger.Warn("IdPサインインに失敗しました", slog.String("code", string(identity.CodeOf(err))))
		return true, err
	}

	m.setSession(cred, true)
	return true, nil
}

// SignOut はセッションを破棄する。状態変化イベント（未認証）が配信される。
func (m *Manager) SignOut(ctx context.Context) error {
	m.setSession(nil, false)
	m.logger.Info("サインアウトしました")
	return nil
}

// setSession は現在のセッションを置き換え、永続化とリフレッシュループを更新し、
// 状態変化イベントを発行する。credがnilの場合は未認証にする。
func (m *Manager) setSession(cred *identity.Credential, register bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.stopRefreshLocked()

	if cred == nil {
		m.session = nil
		if err := m.store.Delete(storage.KeyToken, storage.KeyUserID, storage.KeyRefreshToken); err != nil {
			m.logger.Error("セッション情報の削除に失敗しました", slog.String("error", err.Error()))
		}
		m.enqueueLocked(event{state: State{}})
		return
	}

	s := &model.Session{
		Identity:     identityFromCredential(cred),
		Token:        cred.IDToken,
		RefreshToken: cred.RefreshToken,
		IssuedAt:     cred.IssuedAt,
		ExpiresAt:    cred.ExpiresAt,
	}
	m.session = s
	m.persistLocked(s)
	m.startRefreshLocked()

	ev := event{state: m.stateLocked()}
	if register {
		name := s.Identity.DisplayName
		if name == "" {
			name, _, _ = strings.Cut(s.Identity.Email, "@")
		}
		ev.register = &gig.RegisterUser{Email: s.Identity.Email, Name: name, UID: s.Identity.UID}
		ev.idToken = s.Token
	}
	m.enqueueLocked(ev)
}

func (m *Manager) persistLocked(s *model.Session) {
	for key, value := range map[string]string{
		storage.KeyToken:        s.Token,
		storage.KeyUserID:       s.Identity.UID,
		storage.KeyRefreshToken: s.RefreshToken,
	} {
		if err := m.store.Set(key, value); err != nil {
			m.logger.Error("セッション情報の保存に失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) stateLocked() State {
	if m.session == nil {
		return State{}
	}
	id := m.session.Identity
	return State{Identity: &id}
}

// refresh はトークンを強制リフレッシュし、セッションが置き換わっていなければ反映する。
func (m *Manager) refresh(ctx context.Context, refreshToken string, gen uint64) (string, error) {
	cred, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		m.metrics.RecordTokenRefresh(false)
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	m.metrics.RecordTokenRefresh(true)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.generation != gen {
		return "", errSessionChanged
	}
	m.session.Token = cred.IDToken
	m.session.IssuedAt = cred.IssuedAt
	m.session.ExpiresAt = cred.ExpiresAt
	if cred.RefreshToken != "" {
		m.session.RefreshToken = cred.RefreshToken
	}
	m.persistLocked(m.session)
	return cred.IDToken, nil
}

func (m *Manager) startRefreshLocked() {
	ctx, cancel := context.WithCancel(m.ctx)
	m.refreshCancel = cancel
	gen := m.generation

	m.wg.Add(1)
	go m.refreshLoop(ctx, gen)
}

func (m *Manager) stopRefreshLocked() {
	if m.refreshCancel != nil {
		m.refreshCancel()
		m.refreshCancel = nil
	}
}

// refreshLoop はアイデンティティが存在する間、一定間隔でトークンを強制リフレッシュする。
// 失敗はログに記録し、セッションは維持する。
func (m *Manager) refreshLoop(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.session == nil || m.generation != gen {
				m.mu.Unlock()
				return
			}
			refreshToken := m.session.RefreshToken
			m.mu.Unlock()

			if _, err := m.refresh(ctx, refreshToken, gen); err != nil {
				if ctx.Err() != nil || errors.Is(err, errSessionChanged) {
					return
				}
				m.logger.Error("トークンの定期リフレッシュに失敗しました", slog.String("error", err.Error()))
				continue
			}
			m.logger.Debug("トークンをリフレッシュしました")
		}
	}
}

func (m *Manager) enqueueLocked(ev event) {
	ev.seq = m.nextSeq
	m.nextSeq++
	m.queue = append(m.queue, ev)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dequeue() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return event{}, false
	}
	ev := m.queue[0]
	m.queue = m.queue[1:]
	return ev, true
}

// dispatch は単一のディスパッチャgoroutine。
// イベントを発行順に処理し、バックエンド登録の後に購読者へ配信する。
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}
		for {
			ev, ok := m.dequeue()
			if !ok {
				break
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev event) {
	if ev.register != nil && m.registrar != nil {
		m.registerIdentity(ev.idToken, *ev.register)
	}

	m.mu.Lock()
	var targets []func(State)
	if ev.target != uuid.Nil {
		if sub, ok := m.subscribers[ev.target]; ok {
			targets = append(targets, sub.fn)
		}
	} else {
		for _, sub := range m.subscribers {
			if sub.since <= ev.seq {
				targets = append(targets, sub.fn)
			}
		}
	}
	m.mu.Unlock()

	for _, fn := range targets {
		fn(ev.state)
	}
}

// registerIdentity はアイデンティティをバックエンドに登録する。
// 登録済み（409）は成功として扱い、その他のエラーはログに記録して無視する。
func (m *Manager) registerIdentity(idToken string, user gig.RegisterUser) {
	ctx, cancel := context.WithTimeout(m.ctx, registerTimeout)
	defer cancel()

	err := m.registrar.RegisterUser(ctx, idToken, user)
	switch {
	case err == nil:
		m.logger.Info("バックエンドにユーザーを登録しました", slog.String("user_id", user.UID))
	case errors.Is(err, apiclient.ErrAlreadyRegistered):
		m.logger.Debug("ユーザーは登録済みです", slog.String("user_id", user.UID))
	default:
		m.logger.Error("バックエンドとのユーザー同期に失敗しました",
			slog.String("user_id", user.UID),
			slog.String("error", err.Error()),
		)
	}
}

func identityFromCredential(cred *identity.Credential) model.Identity {
	return model.Identity{
		UID:         cred.UserID,
		DisplayName: cred.DisplayName,
		Email:       cred.Email,
		PhotoURL:    cred.PhotoURL,
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordTokenRefresh(bool) {}
