package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/fakestore-catalog/internal/catalog"
	"github.com/xenking/fakestore-catalog/internal/domain/product"
	"github.com/xenking/fakestore-catalog/pkg/fetchstate"
)

// ListProducts renders the shared product list. A pending load is awaited
// for at most ListWait.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	st := h.list.State()
	if !st.Settled() && h.listWait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), h.listWait)
		st, _ = h.list.Await(ctx)
		cancel()
	}
	writeState(w, st, product.EncodeList)
}

// RefreshProducts re-fetches the product list and answers immediately with
// the loading state.
func (h *Handler) RefreshProducts(w http.ResponseWriter, r *http.Request) {
	// The load outlives the request but keeps its logger.
	ctx := context.WithoutCancel(r.Context())
	if !h.list.Reload(ctx) {
		h.list.Load(ctx, h.listPath)
	}
	zctx.From(r.Context()).Info("Catalog refresh requested")

	w.Header().Set("Location", "/api/products")
	writeJSON(w, http.StatusAccepted, []byte(`{"state":"`+fetchstate.Loading.String()+`"}`))
}

// GetProduct renders a single product fetched through a request-scoped store.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "product id must be a positive integer")
		return
	}

	s := catalog.NewProductStore(h.fetcher, h.storeOpts)
	defer s.Close()

	s.Load(r.Context(), h.listPath+"/"+strconv.FormatInt(id, 10))
	st, err := s.Await(r.Context())
	if err != nil {
		zctx.From(r.Context()).Debug("Details request abandoned",
			zap.Int64("product_id", id),
			zap.Error(err),
		)
	}
	writeState(w, st, product.Encode)
}
