package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetOrFetch_SingleLandingFetchUnderConcurrency(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "abc"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := NewCache(func(key string) string { return srv.URL })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := cache.GetOrFetch(context.Background(), "one-piece")
			assert.NoError(t, err)
			assert.NotNil(t, h)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load())
}

func TestGetOrFetch_CapturesCookiesAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "cf_clearance", Value: "tok"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := NewCache(func(key string) string { return srv.URL })
	h, err := cache.GetOrFetch(context.Background(), "berserk")
	assert.NoError(t, err)
	assert.NotEmpty(t, h.UserAgent)

	names := make([]string, 0, len(h.Cookies))
	for _, c := range h.Cookies {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "cf_clearance")

	req, _ := http.NewRequest("GET", srv.URL+"/chapter/1", nil)
	h.Apply(req)
	assert.Equal(t, h.UserAgent, req.Header.Get("User-Agent"))
	cookie, err := req.Cookie("cf_clearance")
	assert.NoError(t, err)
	assert.Equal(t, "tok", cookie.Value)
}

func TestForceRefresh_ReplacesHandle(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := NewCache(func(key string) string { return srv.URL })

	first, err := cache.GetOrFetch(context.Background(), "slug")
	assert.NoError(t, err)
	second, err := cache.ForceRefresh(context.Background(), "slug")
	assert.NoError(t, err)

	assert.Equal(t, int64(2), hits.Load())
	assert.NotSame(t, first, second)
}

func TestGetOrFetch_Non200Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cache := NewCache(func(key string) string { return srv.URL })
	_, err := cache.GetOrFetch(context.Background(), "slug")
	assert.Error(t, err)
}

func TestAbsorbResponse_NewerCookieWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "old"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := NewCache(func(key string) string { return srv.URL })
	_, err := cache.GetOrFetch(context.Background(), "slug")
	assert.NoError(t, err)

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Add("Set-Cookie", "session_id=new")
	cache.AbsorbResponse("slug", resp)

	h, err := cache.GetOrFetch(context.Background(), "slug")
	assert.NoError(t, err)
	for _, c := range h.Cookies {
		if c.Name == "session_id" {
			assert.Equal(t, "new", c.Value)
		}
	}
}

func TestDedupCookies_LastOccurrenceWins(t *testing.T) {
	out := dedupCookies([]*http.Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2"},
		{Name: "a", Value: "3"},
	})
	assert.Len(t, out, 2)
	assert.Equal(t, "3", out[0].Value)
	assert.Equal(t, "a", out[0].Name)
}
