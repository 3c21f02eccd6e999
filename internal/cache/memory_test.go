package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestMemoryStorage_PutSameKeyTwice_LeavesOneEntry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	p, err := s.Open(ctx, "tujitume-v3")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	key := RequestKey(http.MethodGet, "https://app.example/main.js")
	now := time.Now()
	if err := p.Put(ctx, NewEntry(key, 200, http.Header{}, []byte("first"), now)); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := p.Put(ctx, NewEntry(key, 200, http.Header{}, []byte("second"), now)); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	keys, _ := p.Keys(ctx)
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want exactly one", keys)
	}
	e, _ := p.Match(ctx, key)
	if e == nil || string(e.Body) != "second" {
		t.Errorf("Match body = %v, want second (last write wins)", e)
	}
}

func TestMemoryStorage_OpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	p1, _ := s.Open(ctx, "a")
	_ = p1.Put(ctx, NewEntry("GET x", 200, nil, []byte("x"), time.Now()))
	p2, _ := s.Open(ctx, "a")

	if e, _ := p2.Match(ctx, "GET x"); e == nil {
		t.Error("同名パーティションの再オープンでエントリが失われた")
	}
	names, _ := s.Names(ctx)
	if !reflect.DeepEqual(names, []string{"a"}) {
		t.Errorf("names = %v, want [a]", names)
	}
}

func TestMemoryStorage_Match_SearchesInCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	first, _ := s.Open(ctx, "first")
	second, _ := s.Open(ctx, "second")

	_ = second.Put(ctx, NewEntry("GET /", 200, nil, []byte("second"), time.Now()))
	_ = first.Put(ctx, NewEntry("GET /", 200, nil, []byte("first"), time.Now()))

	e, err := s.Match(ctx, "GET /")
	if err != nil {
		t.Fatalf("Match returned error: %v", err)
	}
	if e == nil || string(e.Body) != "first" {
		t.Errorf("Match = %v, want entry from first partition", e)
	}

	if e, _ := s.Match(ctx, "GET /missing"); e != nil {
		t.Errorf("Match(missing) = %v, want nil", e)
	}
}

func TestMemoryStorage_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	p, _ := s.Open(ctx, "old")
	_ = p.Put(ctx, NewEntry("GET /", 200, nil, []byte("x"), time.Now()))
	_, _ = s.Open(ctx, "keep")

	deleted, err := s.Delete(ctx, "old")
	if err != nil || !deleted {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, _ = s.Delete(ctx, "old")
	if deleted {
		t.Error("2回目のDeleteはfalseを返すべき")
	}

	names, _ := s.Names(ctx)
	if !reflect.DeepEqual(names, []string{"keep"}) {
		t.Errorf("names = %v, want [keep]", names)
	}
	if e, _ := s.Match(ctx, "GET /"); e != nil {
		t.Error("削除済みパーティションのエントリがMatchされた")
	}
}

func TestMemoryStorage_Evict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	p, _ := s.Open(ctx, "p")
	now := time.Now()
	_ = p.Put(ctx, NewEntry("GET /old", 200, nil, nil, now.Add(-48*time.Hour)))
	_ = p.Put(ctx, NewEntry("GET /new", 200, nil, nil, now))

	n, err := s.Evict(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Evict returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	keys, _ := p.Keys(ctx)
	if !reflect.DeepEqual(keys, []string{"GET /new"}) {
		t.Errorf("keys = %v, want [GET /new]", keys)
	}
}

func TestEntry_Response_CanBeReadRepeatedly(t *testing.T) {
	header := http.Header{"Content-Type": {"text/html"}}
	e := NewEntry("GET /", 200, header, []byte("<html>shell</html>"), time.Now())
	header.Set("Content-Type", "mutated")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 2; i++ {
		resp := e.Response(req)
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "<html>shell</html>" {
			t.Errorf("body #%d = %q", i, body)
		}
		if resp.StatusCode != 200 {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		if resp.Header.Get("Content-Type") != "text/html" {
			t.Errorf("Content-Type = %q, want text/html (header must be copied)", resp.Header.Get("Content-Type"))
		}
	}
}
