package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// GetImage proxies a product image through the image cache. The source URL
// is given in the src query parameter and must point at an allowed host.
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("src")
	u, err := url.Parse(src)
	if src == "" || err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "src must be an absolute http(s) URL")
		return
	}
	if _, ok := h.imageHosts[strings.ToLower(u.Hostname())]; !ok {
		writeError(w, http.StatusBadRequest, "image host not allowed")
		return
	}

	img, err := h.images.Load(r.Context(), u.String())
	if err != nil {
		zctx.From(r.Context()).Warn("Image load failed",
			zap.String("src", u.String()),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}
