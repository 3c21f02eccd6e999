// Package cache は名前付きキャッシュパーティションを提供する。
// パーティションは個別に列挙・削除でき、(リクエストキー → レスポンス) の組を保持する。
// 同一キーへの書き込みは後勝ちで、キーごとに高々1エントリが残る。
package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry はキャッシュされたレスポンスの1エントリを表す。
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// RequestKey はメソッドと絶対URLからキャッシュキーを組み立てる。
func RequestKey(method, absoluteURL string) string {
	return method + " " + absoluteURL
}

// NewEntry はレスポンスのステータス・ヘッダー・ボディからEntryを生成する。
// ヘッダーはコピーして保持する。
func NewEntry(key string, status int, header http.Header, body []byte, storedAt time.Time) *Entry {
	return &Entry{
		Key:      key,
		Status:   status,
		Header:   header.Clone(),
		Body:     body,
		StoredAt: storedAt,
	}
}

// Response はエントリから呼び出し元に返却可能なhttp.Responseを組み立てる。
// 呼び出しのたびに新しいボディを返すため、同一エントリを何度でも返却できる。
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Partition は名前付きキャッシュパーティション。
type Partition interface {
	// Name はパーティション名を返す。
	Name() string
	// Put はエントリを書き込む。同一キーの既存エントリは置き換える。
	Put(ctx context.Context, entry *Entry) error
	// Match はキーに一致するエントリを返す。存在しない場合はnilを返す。
	Match(ctx context.Context, key string) (*Entry, error)
	// Keys はパーティション内のキー一覧を返す。
	Keys(ctx context.Context) ([]string, error)
}

// Storage はキャッシュパーティションの集合。
type Storage interface {
	// Open は名前付きパーティションを開く。存在しなければ作成する。
	Open(ctx context.Context, name string) (Partition, error)
	// Names は作成順にパーティション名を返す。
	Names(ctx context.Context) ([]string, error)
	// Delete はパーティションを丸ごと削除する。削除した場合trueを返す。
	Delete(ctx context.Context, name string) (bool, error)
	// Match は作成順に全パーティションを探索し、最初に一致したエントリを返す。
	Match(ctx context.Context, key string) (*Entry, error)
	// Evict はolderThanより前に保存されたエントリを全パーティションから削除し、件数を返す。
	Evict(ctx context.Context, olderThan time.Time) (int64, error)
}
