// Package handler exposes the catalog over HTTP: the home screen (product
// list), the details screen (single product) and an image proxy backed by
// the image cache.
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/fakestore-catalog/internal/catalog"
	"github.com/xenking/fakestore-catalog/internal/domain/product"
	"github.com/xenking/fakestore-catalog/internal/imagecache"
	"github.com/xenking/fakestore-catalog/pkg/fetchstate"
)

// ImageLoader resolves an absolute image URL to its bytes.
type ImageLoader interface {
	Load(ctx context.Context, rawURL string) (imagecache.Image, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ListPath is the upstream path of the product list, e.g. "products".
	// Single products are fetched from ListPath/{id}.
	ListPath string
	// ListWait bounds how long a list request waits for a pending load
	// before answering with the loading state.
	ListWait time.Duration
	// ImageHosts lists hosts the image proxy may fetch from.
	ImageHosts []string
	// StoreOptions are applied to the per-request details stores.
	StoreOptions catalog.StoreOptions
}

// Handler serves catalog screens from a shared list store and per-request
// details stores.
type Handler struct {
	list       *catalog.Store[[]product.Product]
	fetcher    catalog.Fetcher
	images     ImageLoader
	listPath   string
	listWait   time.Duration
	imageHosts map[string]struct{}
	storeOpts  catalog.StoreOptions
}

// New constructs a Handler. list is expected to be loaded by the caller.
func New(
	cfg Config,
	list *catalog.Store[[]product.Product],
	fetcher catalog.Fetcher,
	images ImageLoader,
) *Handler {
	if cfg.ListPath == "" {
		cfg.ListPath = "products"
	}
	if cfg.StoreOptions.Name == "" {
		cfg.StoreOptions.Name = "details"
	}
	hosts := make(map[string]struct{}, len(cfg.ImageHosts))
	for _, h := range cfg.ImageHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	return &Handler{
		list:       list,
		fetcher:    fetcher,
		images:     images,
		listPath:   strings.Trim(cfg.ListPath, "/"),
		listWait:   cfg.ListWait,
		imageHosts: hosts,
		storeOpts:  cfg.StoreOptions,
	}
}

// Register mounts the catalog routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("POST /api/products/refresh", h.RefreshProducts)
	mux.HandleFunc("GET /api/products/{id}", h.GetProduct)
	mux.HandleFunc("GET /api/images", h.GetImage)
}

// writeState renders a fetch state envelope:
//
//	{"state":"loaded","data":...}   200
//	{"state":"loading"}             503 with Retry-After
//	{"state":"error","message":...} 502
func writeState[T any](w http.ResponseWriter, st fetchstate.State[T], encode func(*jx.Encoder, T)) {
	var e jx.Encoder
	status := http.StatusOK

	e.Obj(func(e *jx.Encoder) {
		e.Field("state", func(e *jx.Encoder) { e.Str(st.Kind().String()) })
		switch st.Kind() {
		case fetchstate.Loaded:
			v, _ := st.Value()
			e.Field("data", func(e *jx.Encoder) { encode(e, v) })
		case fetchstate.Failed:
			status = http.StatusBadGateway
			e.Field("message", func(e *jx.Encoder) { e.Str(st.Message()) })
		default:
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}
	})
	writeJSON(w, status, e.Bytes())
}

// writeError renders {"code":...,"message":...}.
func writeError(w http.ResponseWriter, status int, message string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("message", func(e *jx.Encoder) { e.Str(message) })
	})
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Status is already sent; a write error means the client went away.
	_, _ = w.Write(body)
}
