// Package storage はクライアントローカルの永続キーバリューストアを提供する。
// トークンやユーザーIDなど、コンポーネント間で共有される唯一の可変状態を保持する。
// 各スロットは後勝ちの単一値レジスタとして振る舞い、ロック以外の調停は行わない。
package storage

import (
	"sort"
	"sync"
)

// 既知のスロット名
const (
	KeyToken             = "token"
	KeyUserID            = "userId"
	KeyRefreshToken      = "refreshToken"
	KeyAuthRedirectState = "authRedirectState"
	KeyInstallDismissed  = "pwa-install-dismissed"
)

// Store は永続キーバリューストアのインターフェース。
// テストではMemoryStoreに差し替える。
type Store interface {
	// Get はキーに対応する値を返す。存在しない場合はfalseを返す。
	Get(key string) (string, bool, error)
	// Set はキーに値を上書き保存する。
	Set(key, value string) error
	// Delete は指定キーを削除する。存在しないキーはエラーにしない。
	Delete(keys ...string) error
}

// MemoryStore はプロセス内メモリに値を保持するStore実装。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get はキーに対応する値を返す。
func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set はキーに値を保存する。
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete は指定キーを削除する。
func (s *MemoryStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// Keys は保存されているキーをソート済みで返す。テスト用。
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// namespaced はキーにプレフィックスを付与するStoreラッパー。
type namespaced struct {
	inner  Store
	prefix string
}

// Namespaced はキー空間をprefixで分離したStoreを返す。
func Namespaced(inner Store, prefix string) Store {
	return &namespaced{inner: inner, prefix: prefix}
}

func (n *namespaced) Get(key string) (string, bool, error) {
	return n.inner.Get(n.prefix + key)
}

func (n *namespaced) Set(key, value string) error {
	return n.inner.Set(n.prefix+key, value)
}

func (n *namespaced) Delete(keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = n.prefix + k
	}
	return n.inner.Delete(prefixed...)
}
