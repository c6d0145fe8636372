package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, cfg ClientConfig) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/"
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestClient_Fetch(t *testing.T) {
	var gotPath atomic.Value
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(oneProduct))
	}), ClientConfig{})

	body, err := c.Fetch(context.Background(), "products")
	require.NoError(t, err)
	assert.Equal(t, oneProduct, body)
	assert.Equal(t, "/products", gotPath.Load())

	_, err = c.Fetch(context.Background(), "/products/3")
	require.NoError(t, err)
	assert.Equal(t, "/products/3", gotPath.Load())
}

func TestClient_FetchBodyIsNotValidated(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}), ClientConfig{})

	body, err := c.Fetch(context.Background(), "products")
	require.NoError(t, err)
	assert.Equal(t, "not json", body)
}

func TestClient_EmptyPath(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}), ClientConfig{})

	for _, path := range []string{"", "  ", "/"} {
		_, err := c.Fetch(context.Background(), path)
		require.ErrorIs(t, err, ErrEmptyPath, "path %q", path)
	}
	assert.Zero(t, hits.Load())
}

func TestClient_NonSuccessStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}), ClientConfig{})

	_, err := c.Fetch(context.Background(), "products/999")
	require.Error(t, err)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, http.StatusNotFound, tErr.StatusCode)
	assert.True(t, strings.HasSuffix(tErr.URL, "/products/999"))
	assert.Contains(t, err.Error(), "404 Not Found")
}

func TestClient_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: baseURL})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "products")
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Zero(t, tErr.StatusCode)
	assert.NotEmpty(t, err.Error())
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), ClientConfig{Timeout: 50 * time.Millisecond})

	_, err := c.Fetch(context.Background(), "products")
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
}

func TestClient_BodyTooLarge(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}), ClientConfig{MaxBodyBytes: 16})

	_, err := c.Fetch(context.Background(), "products")
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}), ClientConfig{RequestsPerSecond: 0.001, Burst: 1})

	_, err := c.Fetch(context.Background(), "products")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Fetch(ctx, "products")
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestClient_Download(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/img/1.jpg", r.URL.Path)
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	}), ClientConfig{})

	data, err := c.Download(context.Background(), c.base.JoinPath("img", "1.jpg").String())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	_, err = c.Download(context.Background(), "img/1.jpg")
	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
}

func TestClient_RedirectPolicy(t *testing.T) {
	var elsewhereHits atomic.Int32
	elsewhere := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		elsewhereHits.Add(1)
		_, _ = w.Write([]byte("secret"))
	}))
	t.Cleanup(elsewhere.Close)

	origin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img/old.jpg":
			http.Redirect(w, r, "/img/new.jpg", http.StatusMovedPermanently)
		case "/img/new.jpg":
			_, _ = w.Write([]byte("image"))
		case "/img/away.jpg":
			http.Redirect(w, r, elsewhere.URL+"/internal", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	})

	t.Run("same host followed", func(t *testing.T) {
		c := newTestClient(t, origin, ClientConfig{})
		data, err := c.Download(context.Background(), c.base.JoinPath("img", "old.jpg").String())
		require.NoError(t, err)
		assert.Equal(t, "image", string(data))
	})

	t.Run("other host refused", func(t *testing.T) {
		c := newTestClient(t, origin, ClientConfig{})
		_, err := c.Download(context.Background(), c.base.JoinPath("img", "away.jpg").String())

		var tErr *TransportError
		require.ErrorAs(t, err, &tErr)
		assert.Contains(t, err.Error(), "not allowed")
		assert.Zero(t, elsewhereHits.Load())
	})

	t.Run("listed host followed", func(t *testing.T) {
		c := newTestClient(t, origin, ClientConfig{RedirectHosts: []string{"127.0.0.1"}})
		data, err := c.Download(context.Background(), c.base.JoinPath("img", "away.jpg").String())
		require.NoError(t, err)
		assert.Equal(t, "secret", string(data))
	})
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)

	c, err := NewClient(ClientConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.base.String())
}

func TestClientAndStore(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(oneProduct))
	}), ClientConfig{})

	s := NewListStore(c, StoreOptions{})
	defer s.Close()

	s.Load(context.Background(), "products")
	products := productList(t, awaitState(t, s))
	assert.Equal(t, int64(1), products[0].ID)
}
